// Package opencv is the in-process face backend: YuNet detection and SFace
// embeddings through gocv.
package opencv

import (
	"fmt"
	"image"
	"os"
	"sync"

	"gocv.io/x/gocv"

	"github.com/teslashibe/go-friendwatch/pkg/debug"
	"github.com/teslashibe/go-friendwatch/pkg/faces"
)

// Config holds configuration for the YuNet + SFace backend
type Config struct {
	DetectorModelPath   string  // Path to YuNet ONNX model
	RecognizerModelPath string  // Path to SFace ONNX model
	ConfidenceThresh    float64 // Minimum detection confidence (default 0.6)
	InputWidth          int     // Initial detector input width
	InputHeight         int     // Initial detector input height
	DetectScale         float64 // Detect on a frame resized by this factor (0.5 = half size)
	Normalize           bool    // L2-normalize embeddings
}

// DefaultConfig returns production defaults
func DefaultConfig() Config {
	return Config{
		DetectorModelPath:   "models/face_detection_yunet.onnx",
		RecognizerModelPath: "models/face_recognition_sface.onnx",
		ConfidenceThresh:    0.6,
		InputWidth:          320,
		InputHeight:         320,
		DetectScale:         0.5,
		Normalize:           true,
	}
}

// Recognizer uses OpenCV's FaceDetectorYN for detection and FaceRecognizerSF for embeddings
type Recognizer struct {
	detector   gocv.FaceDetectorYN
	recognizer gocv.FaceRecognizerSF
	config     Config
	mu         sync.Mutex // Protects inference and the frame cache

	// Last converted frame, reused between DetectFaces and Embed on the same image
	lastSrc *image.RGBA
	lastMat gocv.Mat
	hasMat  bool
}

// New creates the YuNet + SFace backend
func New(cfg Config) (*Recognizer, error) {
	for _, p := range []string{cfg.DetectorModelPath, cfg.RecognizerModelPath} {
		if _, err := os.Stat(p); os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", faces.ErrModelNotFound, p)
		}
	}

	detector := gocv.NewFaceDetectorYNWithParams(
		cfg.DetectorModelPath,
		"",
		image.Pt(cfg.InputWidth, cfg.InputHeight),
		float32(cfg.ConfidenceThresh),
		0.3,  // NMS threshold
		5000, // Top K
		int(gocv.NetBackendDefault),
		int(gocv.NetTargetCPU),
	)
	recognizer := gocv.NewFaceRecognizerSF(cfg.RecognizerModelPath, "")

	return &Recognizer{
		detector:   detector,
		recognizer: recognizer,
		config:     cfg,
	}, nil
}

// matFor converts img to a BGR Mat, reusing the previous conversion for the same frame.
// The returned Mat is owned by o. Caller must hold o.mu.
func (o *Recognizer) matFor(img image.Image) (gocv.Mat, error) {
	if rgba, ok := img.(*image.RGBA); ok && o.hasMat && rgba == o.lastSrc {
		return o.lastMat, nil
	}

	b := img.Bounds()
	if b.Empty() {
		return gocv.Mat{}, faces.ErrEmptyImage
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("convert image: %w", err)
	}
	if mat.Empty() {
		mat.Close()
		return gocv.Mat{}, faces.ErrEmptyImage
	}

	if o.hasMat {
		o.lastMat.Close()
	}
	o.lastMat = mat
	o.hasMat = true
	o.lastSrc, _ = img.(*image.RGBA)
	return mat, nil
}

// DetectFaces finds faces in the image. Boxes are in full-frame pixels.
func (o *Recognizer) DetectFaces(img image.Image) ([]faces.Detection, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	mat, err := o.matFor(img)
	if err != nil {
		return nil, err
	}

	work := mat
	scale := o.config.DetectScale
	small := gocv.NewMat()
	defer small.Close()
	if scale > 0 && scale < 1 {
		gocv.Resize(mat, &small, image.Point{}, scale, scale, gocv.InterpolationLinear)
		work = small
	} else {
		scale = 1
	}

	o.detector.SetInputSize(image.Pt(work.Cols(), work.Rows()))

	out := gocv.NewMat()
	defer out.Close()
	o.detector.Detect(work, &out)

	var detections []faces.Detection
	for r := 0; r < out.Rows(); r++ {
		// YuNet output format (15 columns):
		// 0-3: x, y, w, h (bounding box in pixels)
		// 4-13: 5 facial landmarks (x,y pairs)
		// 14: face score
		row := make([]float32, out.Cols())
		for c := range row {
			row[c] = out.GetFloatAt(r, c)
		}
		if len(row) < 15 {
			continue
		}

		x, y, w, h := float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3])
		det := faces.Detection{
			Box:        image.Rect(int(x), int(y), int(x+w), int(y+h)),
			Confidence: float64(row[14]),
			Raw:        row,
		}
		detections = append(detections, det.Scale(1/scale))
	}

	if len(detections) > 0 {
		debug.FrameLog("👁️  YuNet found %d face(s)\n", len(detections))
	}

	return detections, nil
}

// Embed computes the SFace embedding of a detected face
func (o *Recognizer) Embed(img image.Image, det faces.Detection) (faces.Embedding, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	mat, err := o.matFor(img)
	if err != nil {
		return nil, err
	}

	aligned := gocv.NewMat()
	defer aligned.Close()

	if len(det.Raw) >= 15 {
		box := gocv.NewMatWithSize(1, len(det.Raw), gocv.MatTypeCV32F)
		defer box.Close()
		for i, v := range det.Raw {
			box.SetFloatAt(0, i, v)
		}
		o.recognizer.AlignCrop(mat, box, &aligned)
	} else {
		// No landmarks: crop the box and resize to the SFace input size
		rect := det.Box.Intersect(image.Rect(0, 0, mat.Cols(), mat.Rows()))
		if rect.Empty() {
			return nil, faces.ErrNoEmbedding
		}
		region := mat.Region(rect)
		defer region.Close()
		gocv.Resize(region, &aligned, image.Pt(112, 112), 0, 0, gocv.InterpolationLinear)
	}
	if aligned.Empty() {
		return nil, faces.ErrNoEmbedding
	}

	feature := gocv.NewMat()
	defer feature.Close()
	o.recognizer.Feature(aligned, &feature)

	data, err := feature.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read feature: %w", err)
	}
	if len(data) == 0 {
		return nil, faces.ErrNoEmbedding
	}

	emb := make(faces.Embedding, len(data))
	for i, v := range data {
		emb[i] = float64(v)
	}
	if o.config.Normalize {
		faces.Normalize(emb)
	}
	return emb, nil
}

// Close releases the detector and recognizer
func (o *Recognizer) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.hasMat {
		o.lastMat.Close()
		o.hasMat = false
		o.lastSrc = nil
	}
	o.detector.Close()
	o.recognizer.Close()
	return nil
}

var _ faces.Recognizer = (*Recognizer)(nil)
