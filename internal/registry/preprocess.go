package registry

import (
	"fmt"

	"github.com/Brownie44l1/cnn-lens/internal/tensor"
)

// Preprocessor maps raw HWC RGB pixels in [0,255] to the normalized values a
// network was trained on. It must not modify its argument.
type Preprocessor func(pixels *tensor.Tensor) *tensor.Tensor

var (
	imagenetBGRMean = [3]float32{103.939, 116.779, 123.68}
	imagenetRGBMean = [3]float32{0.485, 0.456, 0.406}
	imagenetRGBStd  = [3]float32{0.229, 0.224, 0.225}
)

// ParsePreprocess returns the preprocessing for a named convention:
// "caffe" (VGG16, ResNet50), "tf" (MobileNetV2), "torch" or "none".
func ParsePreprocess(mode string) (Preprocessor, error) {
	switch mode {
	case "caffe":
		return Caffe, nil
	case "tf":
		return TF, nil
	case "torch":
		return Torch, nil
	case "none", "":
		return Identity, nil
	}
	return nil, fmt.Errorf("unknown preprocess mode %q", mode)
}

// Caffe swaps RGB to BGR and subtracts the ImageNet channel means.
func Caffe(pixels *tensor.Tensor) *tensor.Tensor {
	out := pixels.Clone()
	for i := 0; i+2 < len(out.Data); i += 3 {
		r, g, b := out.Data[i], out.Data[i+1], out.Data[i+2]
		out.Data[i] = b - imagenetBGRMean[0]
		out.Data[i+1] = g - imagenetBGRMean[1]
		out.Data[i+2] = r - imagenetBGRMean[2]
	}
	return out
}

// TF scales pixels to [-1, 1].
func TF(pixels *tensor.Tensor) *tensor.Tensor {
	out := pixels.Clone()
	for i, v := range out.Data {
		out.Data[i] = v/127.5 - 1
	}
	return out
}

// Torch scales to [0, 1] and standardizes each channel with ImageNet
// statistics.
func Torch(pixels *tensor.Tensor) *tensor.Tensor {
	out := pixels.Clone()
	for i, v := range out.Data {
		c := i % 3
		out.Data[i] = (v/255 - imagenetRGBMean[c]) / imagenetRGBStd[c]
	}
	return out
}

func Identity(pixels *tensor.Tensor) *tensor.Tensor {
	return pixels.Clone()
}
