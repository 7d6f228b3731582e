package actor

import (
	"context"

	"go.uber.org/fx"
	"gorm.io/gorm"

	"trashure-engine/pkg/errutil"
	"trashure-engine/pkg/repository"
)

type Service struct {
	db     *gorm.DB
	actors repository.Repository[Actor]
}

type ServiceParams struct {
	fx.In
	DB *gorm.DB
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		actors: repository.ProvideStore[Actor](p.DB),
	}
}

func (s *Service) Get(ctx context.Context, id string) (*Actor, error) {
	a, err := s.actors.FindOne(ctx, &Actor{ID: id})
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, errutil.NotFound("actor not found")
	}
	return a, nil
}

// Verified returns the actor only when it holds the wanted role and has passed
// upstream verification.
func (s *Service) Verified(ctx context.Context, id string, role Role) (*Actor, error) {
	a, err := s.actors.FindOne(ctx, &Actor{ID: id, Role: role})
	if err != nil {
		return nil, err
	}
	if a == nil || !a.Verified {
		return nil, errutil.InvalidInput("unknown or unverified " + string(role))
	}
	return a, nil
}
