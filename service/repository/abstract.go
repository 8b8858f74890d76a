package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/pitabwire/frame"
)

type abstractRepository struct {
	service *frame.Service
}

func (ar *abstractRepository) readDb(ctx context.Context) *gorm.DB {
	return ar.service.DB(ctx, true)
}

func (ar *abstractRepository) writeDb(ctx context.Context) *gorm.DB {
	return ar.service.DB(ctx, false)
}
