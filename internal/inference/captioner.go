package inference

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/your-org/mediaflow/internal/models"
)

// CaptionClient calls the vision-language captioning service and turns its
// free-form answer into a structured result.
type CaptionClient struct {
	c *client
}

func NewCaptionClient(baseURL string, timeout time.Duration, logger *slog.Logger) (*CaptionClient, error) {
	c, err := newClient("captioner", baseURL, timeout, logger)
	if err != nil {
		return nil, err
	}
	return &CaptionClient{c: c}, nil
}

type captionRequest struct {
	Path        string   `json:"path"`
	Objects     []string `json:"objects,omitempty"`
	KnownPeople []string `json:"known_people,omitempty"`
}

type captionResponse struct {
	Text string `json:"text"`
}

func (c *CaptionClient) Caption(ctx context.Context, path string, det *models.DetectionResult) (*models.CaptionResult, error) {
	req := captionRequest{Path: path}
	if det != nil {
		req.Objects = det.Objects
		req.KnownPeople = det.KnownPeople
	}
	var resp captionResponse
	if err := c.c.post(ctx, "/caption", req, &resp); err != nil {
		return nil, err
	}
	return ParseCaption(resp.Text)
}

func (c *CaptionClient) Ping(ctx context.Context) error {
	return c.c.ping(ctx)
}

var errEmptyCaption = errors.New("captioner returned no text")

var (
	codeFence     = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
	keywordsLabel = regexp.MustCompile(`(?im)^\s*(?:keywords|tags)\s*:\s*(.+)$`)
)

// ParseCaption accepts a JSON object with narrative and keywords, bare or in
// a code fence, or plain prose with an optional "Keywords:" line.
func ParseCaption(text string) (*models.CaptionResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errEmptyCaption
	}

	candidate := text
	if m := codeFence.FindStringSubmatch(text); m != nil {
		candidate = strings.TrimSpace(m[1])
	} else if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		candidate = text[start : end+1]
	}
	var structured struct {
		Narrative   string   `json:"narrative"`
		Description string   `json:"description"`
		Keywords    []string `json:"keywords"`
	}
	if err := json.Unmarshal([]byte(candidate), &structured); err == nil {
		narrative := structured.Narrative
		if narrative == "" {
			narrative = structured.Description
		}
		if narrative != "" || len(structured.Keywords) > 0 {
			return &models.CaptionResult{Narrative: strings.TrimSpace(narrative), Keywords: structured.Keywords}, nil
		}
	}

	res := &models.CaptionResult{}
	if m := keywordsLabel.FindStringSubmatchIndex(text); m != nil {
		for _, kw := range strings.Split(text[m[2]:m[3]], ",") {
			if kw = strings.Trim(strings.TrimSpace(kw), "."); kw != "" {
				res.Keywords = append(res.Keywords, kw)
			}
		}
		text = text[:m[0]] + text[m[1]:]
	}
	res.Narrative = strings.TrimSpace(text)
	return res, nil
}
