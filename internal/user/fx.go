package user

import (
	"github.com/smallbiznis/botbilling/internal/user/repository"
	"github.com/smallbiznis/botbilling/internal/user/service"
	"go.uber.org/fx"
)

var Module = fx.Module("user.resolver",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewResolver),
)
