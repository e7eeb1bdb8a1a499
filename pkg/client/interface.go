package client

import (
	"context"

	"github.com/menta2k/tree-annotator/pkg/types"
)

// VisionClient identifies the tree species visible in a single tile crop.
// Implementations are the local vision backends used when the survey runs
// without the remote identification service.
type VisionClient interface {
	SimpleQuery(ctx context.Context, model, prompt, imgB64 string) (string, error)
	IdentifyTile(ctx context.Context, model, prompt, imgB64 string) (*types.TileIdentification, error)
}
