package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/botbilling/internal/user/domain"
	pkgdb "github.com/smallbiznis/botbilling/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB   *gorm.DB
	Log  *zap.Logger
	Repo domain.Repository
}

type Resolver struct {
	db   *gorm.DB
	log  *zap.Logger
	repo domain.Repository
}

func NewResolver(p Params) domain.Resolver {
	return &Resolver{
		db:   p.DB,
		log:  p.Log.Named("user.resolver"),
		repo: p.Repo,
	}
}

// Resolve tries the provider customer id, then the customer id recorded on a
// subscription, then the email. A user found by email gets the customer id linked.
func (r *Resolver) Resolve(ctx context.Context, customerID, email string) (*domain.User, error) {
	customerID = strings.TrimSpace(customerID)
	email = strings.TrimSpace(email)
	db := pkgdb.Conn(ctx, r.db)

	if customerID != "" {
		user, err := r.repo.FindByExternalCustomerID(ctx, db, customerID)
		if err != nil || user != nil {
			return user, err
		}
		user, err = r.repo.FindBySubscriptionCustomerID(ctx, db, customerID)
		if err != nil || user != nil {
			return user, err
		}
	}

	if email == "" {
		return nil, nil
	}
	user, err := r.repo.FindByEmail(ctx, db, email)
	if err != nil || user == nil {
		return nil, err
	}

	if customerID != "" && user.ExternalCustomerID == nil {
		if err := r.repo.SetExternalCustomerID(ctx, db, int64(user.ID), customerID); err != nil {
			return nil, err
		}
		user.ExternalCustomerID = &customerID
		r.log.Info("linked customer id to user", zap.String("user_id", user.ID.String()))
	}
	return user, nil
}
