package pricing

import "fmt"

// FlatPrices are the fixed per-call prices of inference requests.
type FlatPrices struct {
	Text      float64 `mapstructure:"text"`
	Image     float64 `mapstructure:"image"`
	ImageEdit float64 `mapstructure:"image_edit"`
	Video     float64 `mapstructure:"video"`
}

func DefaultFlatPrices() FlatPrices {
	return FlatPrices{Text: 0.01, Image: 0.05, ImageEdit: 0.05, Video: 0.10}
}

// For returns the price of an inference kind ("text", "image", "image-edit", "video").
func (f FlatPrices) For(kind string) (float64, error) {
	switch kind {
	case "text":
		return f.Text, nil
	case "image":
		return f.Image, nil
	case "image-edit":
		return f.ImageEdit, nil
	case "video":
		return f.Video, nil
	}
	return 0, fmt.Errorf("pricing: unknown inference kind %q", kind)
}
