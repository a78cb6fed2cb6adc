// Package vision extracts text from textbook photos for the worksheet pipeline.
package vision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	vision "cloud.google.com/go/vision/v2/apiv1"
	"cloud.google.com/go/vision/v2/apiv1/visionpb"
	"google.golang.org/api/option"

	"github.com/jeeves-cluster-organization/sahayak/coreengine/statebag"
	"github.com/jeeves-cluster-organization/sahayak/coreengine/tools"
)

// ToolName is the registered name of the OCR tool.
const ToolName = "ocr"

// ErrNoImage is returned when the OCR tool is called without image bytes.
var ErrNoImage = errors.New("no image found")

// Recognizer returns the text printed in an image.
type Recognizer interface {
	Recognize(ctx context.Context, img []byte, mimeType string) (string, error)
}

// CloudVision runs DOCUMENT_TEXT_DETECTION through the Cloud Vision API.
type CloudVision struct {
	client  *vision.ImageAnnotatorClient
	timeout time.Duration
}

// NewCloudVision creates an annotator client.
func NewCloudVision(ctx context.Context, timeout time.Duration, opts ...option.ClientOption) (*CloudVision, error) {
	client, err := vision.NewImageAnnotatorClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &CloudVision{client: client, timeout: timeout}, nil
}

// Close releases the client.
func (v *CloudVision) Close() error {
	return v.client.Close()
}

func (v *CloudVision) Recognize(ctx context.Context, img []byte, _ string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	resp, err := v.client.BatchAnnotateImages(ctx, annotateRequest(img))
	if err != nil {
		return "", fmt.Errorf("vision BatchAnnotateImages: %w", err)
	}
	return TextFrom(resp)
}

func annotateRequest(img []byte) *visionpb.BatchAnnotateImagesRequest {
	return &visionpb.BatchAnnotateImagesRequest{
		Requests: []*visionpb.AnnotateImageRequest{{
			Image:    &visionpb.Image{Content: img},
			Features: []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
		}},
	}
}

// TextFrom returns the normalized full text of the first response. A response with no
// text annotation yields "" and no error.
func TextFrom(resp *visionpb.BatchAnnotateImagesResponse) (string, error) {
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return "", nil
	}
	r0 := resp.Responses[0]
	if r0.Error != nil && r0.Error.Message != "" {
		return "", fmt.Errorf("vision annotate error: %s", r0.Error.Message)
	}
	if fta := r0.FullTextAnnotation; fta != nil {
		return normalize(fta.Text), nil
	}
	if len(r0.TextAnnotations) > 0 {
		return normalize(r0.TextAnnotations[0].Description), nil
	}
	return "", nil
}

// normalize collapses spaces within lines and drops blank lines.
func normalize(text string) string {
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(text, "\u00a0", " "), "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

// Tool adapts a Recognizer to the tool registry.
type Tool struct {
	recognizer Recognizer
}

// NewTool creates the OCR tool.
func NewTool(r Recognizer) *Tool {
	return &Tool{recognizer: r}
}

// Handler reads the image from the query param. An image without text yields an
// empty result, which the calling stage turns into its fallback.
func (t *Tool) Handler(ctx context.Context, params map[string]any) (map[string]any, error) {
	var (
		data []byte
		mime = "image/jpeg"
	)
	switch v := params[tools.KeyQuery].(type) {
	case *statebag.Image:
		if v != nil {
			data = v.Data
			if v.MIMEType != "" {
				mime = v.MIMEType
			}
		}
	case []byte:
		data = v
	}
	if len(data) == 0 {
		return nil, ErrNoImage
	}

	text, err := t.recognizer.Recognize(ctx, data, mime)
	if err != nil {
		return nil, err
	}
	return tools.TextResult(text), nil
}

// Definition returns the registration of the OCR tool.
func (t *Tool) Definition() *tools.ToolDefinition {
	return &tools.ToolDefinition{
		Name:        ToolName,
		Description: "Extracts the printed text from a photo of a textbook page.",
		Category:    "vision",
		Handler:     t.Handler,
	}
}
