// Package settings persists the recorder configuration blob.
package settings

import (
	"context"

	"github.com/voxlog/voxlog/internal/models"
)

type Store interface {
	Load(ctx context.Context) (models.Settings, error)
	Save(ctx context.Context, s models.Settings) error
}
