package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suPer8Hu/chat-memory/internal/vectorindex"
)

type Dimensions struct {
	Length float64 `json:"length"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Item is one catalog entry (a tool, pallet or part) as the agent sees it.
type Item struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Status     string         `json:"status"`
	Location   string         `json:"location"`
	Quantity   float64        `json:"quantity"`
	Unit       string         `json:"unit"`
	Weight     float64        `json:"weight"`
	Dimensions Dimensions     `json:"dimensions"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata"`
	Images     []any          `json:"images"`
}

// Text is what gets embedded for an item.
func (it Item) Text() string {
	parts := []string{it.Name, it.Type, it.Status, it.Location}
	if len(it.Tags) > 0 {
		parts = append(parts, strings.Join(it.Tags, " "))
	}
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(". ")
		}
		b.WriteString(p)
	}
	return b.String()
}

func encodeItem(it Item) (map[string]string, error) {
	meta := it.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("metadata: %w", err)
	}
	images := it.Images
	if images == nil {
		images = []any{}
	}
	imagesJSON, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("images: %w", err)
	}
	return map[string]string{
		"id":                      it.ID,
		"name":                    it.Name,
		"type":                    it.Type,
		"status":                  it.Status,
		"location":                it.Location,
		"unit":                    it.Unit,
		vectorindex.FieldTextBlob: it.Text(),
		"quantity":                formatFloat(it.Quantity),
		"weight":                  formatFloat(it.Weight),
		"dim_length":              formatFloat(it.Dimensions.Length),
		"dim_width":               formatFloat(it.Dimensions.Width),
		"dim_height":              formatFloat(it.Dimensions.Height),
		"created_at":              it.CreatedAt,
		"updated_at":              it.UpdatedAt,
		"tags":                    strings.Join(it.Tags, ","),
		"metadata":                string(metaJSON),
		"images":                  string(imagesJSON),
	}, nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// decodeItem parses stored fields. Numbers default to 0 when absent,
// metadata to {} and images to []; anything present but malformed fails
// the whole record.
func decodeItem(fields map[string]string) (Item, error) {
	id, ok := fields["id"]
	if !ok || id == "" {
		return Item{}, errors.New("missing id")
	}
	it := Item{
		ID:        id,
		Name:      fields["name"],
		Type:      fields["type"],
		Status:    fields["status"],
		Location:  fields["location"],
		Unit:      fields["unit"],
		CreatedAt: fields["created_at"],
		UpdatedAt: fields["updated_at"],
		Tags:      []string{},
	}

	var err error
	floats := []struct {
		name string
		dst  *float64
	}{
		{"quantity", &it.Quantity},
		{"weight", &it.Weight},
		{"dim_length", &it.Dimensions.Length},
		{"dim_width", &it.Dimensions.Width},
		{"dim_height", &it.Dimensions.Height},
	}
	for _, f := range floats {
		if *f.dst, err = parseFloat(fields, f.name); err != nil {
			return Item{}, err
		}
	}

	if tags := fields["tags"]; tags != "" {
		it.Tags = strings.Split(tags, ",")
	}
	it.Metadata = map[string]any{}
	if raw, ok := fields["metadata"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &it.Metadata); err != nil {
			return Item{}, fmt.Errorf("metadata: %w", err)
		}
	}
	it.Images = []any{}
	if raw, ok := fields["images"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &it.Images); err != nil {
			return Item{}, fmt.Errorf("images: %w", err)
		}
	}
	return it, nil
}

func parseFloat(fields map[string]string, name string) (float64, error) {
	raw, ok := fields[name]
	if !ok || strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return f, nil
}
