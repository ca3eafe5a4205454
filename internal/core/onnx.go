package core

import (
	"context"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"geoseg-backend/internal/core/graph"
)

// onnxRuntime runs trained segmentation models exported to ONNX. The model
// must take a single NCHW float32 image tensor named "image" and produce a
// single-channel NCHW mask tensor named "mask". Training is not supported.
type onnxRuntime struct {
	session *ort.DynamicAdvancedSession
}

func LoadOnnxRuntime(modelPath string) (Runtime, error) {
	session, err := ort.NewDynamicAdvancedSession(
		modelPath,
		[]string{"image"},
		[]string{"mask"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create onnx session for %s: %w", modelPath, err)
	}

	return &onnxRuntime{session: session}, nil
}

func (m *onnxRuntime) Train(ctx context.Context, spec TrainSpec) (TrainResult, error) {
	return TrainResult{}, fmt.Errorf("training not supported for the onnx runtime")
}

func (m *onnxRuntime) Predict(ctx context.Context, image []float32, shape graph.Shape) ([]float32, error) {
	if len(image) != shape.Height*shape.Width*shape.Channels {
		return nil, fmt.Errorf("image has %d values but shape %s needs %d",
			len(image), shape, shape.Height*shape.Width*shape.Channels)
	}

	inT, err := ort.NewTensor(ort.NewShape(1, int64(shape.Channels), int64(shape.Height), int64(shape.Width)), image)
	if err != nil {
		return nil, err
	}
	defer inT.Destroy()

	outT, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1, int64(shape.Height), int64(shape.Width)))
	if err != nil {
		return nil, err
	}
	defer outT.Destroy()

	if err := m.session.Run([]ort.Value{inT}, []ort.Value{outT}); err != nil {
		return nil, fmt.Errorf("session run error: %w", err)
	}

	mask := make([]float32, shape.Height*shape.Width)
	copy(mask, outT.GetData())
	return mask, nil
}

func (m *onnxRuntime) Release() {
	m.session.Destroy()
}
