package store

import (
	"go.uber.org/fx"
	"gorm.io/gorm"
)

func NewModule() fx.Option {
	return fx.Options(
		fx.Provide(
			func(db *gorm.DB) Store {
				return NewGormStore(db)
			},
		),
	)
}
