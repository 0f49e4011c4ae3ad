package audit

import (
	"github.com/smallbiznis/botbilling/internal/audit/repository"
	"github.com/smallbiznis/botbilling/internal/audit/service"
	"go.uber.org/fx"
)

var Module = fx.Module("audit.trail",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
