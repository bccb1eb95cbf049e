package backends

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/gurnxxrpannu/Breedify/util/fileutil"
)

const MetadataFilename = "model_metadata.json"

// Metadata is the optional model_metadata.json stored next to the model asset.
type Metadata struct {
	InputShape    Shape    `json:"input_shape"`
	OutputShape   Shape    `json:"output_shape"`
	Classes       []string `json:"classes"`
	ImageSize     int      `json:"image_size"`
	Normalization string   `json:"normalization"`
	Layout        string   `json:"layout"`
}

// LoadMetadata reads the metadata file in the model's directory. A missing file is not an error.
func LoadMetadata(ctx context.Context, modelPath string) (*Metadata, error) {
	metadataPath := fileutil.PathJoinSafe(fileutil.Dir(modelPath), MetadataFilename)
	exists, err := fileutil.FileExists(ctx, metadataPath)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	metadataBytes, err := fileutil.ReadFileBytes(ctx, metadataPath)
	if err != nil {
		return nil, err
	}
	metadata := &Metadata{}
	if err = jsoniter.Unmarshal(metadataBytes, metadata); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", metadataPath, err)
	}
	return metadata, nil
}
