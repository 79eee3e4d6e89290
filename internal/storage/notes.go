package storage

import (
	"fmt"

	"github.com/starford/vaultkeep/internal/checksum"
	"github.com/starford/vaultkeep/internal/models"
	"github.com/starford/vaultkeep/internal/parser"
)

// DecodeNote parses raw note bytes into a CachedContent stamped with mtime.
func DecodeNote(path string, data []byte, mtime int64) (*models.CachedContent, error) {
	res, err := parser.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("storage: parse %s: %w", path, err)
	}
	return &models.CachedContent{
		Path:        path,
		Frontmatter: res.Frontmatter,
		Body:        res.Body,
		Title:       res.Title,
		Tags:        res.Tags,
		Checksum:    checksum.Sum(data),
		Mtime:       mtime,
	}, nil
}

// WriteNote renders frontmatter and body and writes them to path.
func WriteNote(p Provider, path string, fm map[string]any, body string) error {
	data, err := parser.Render(fm, body)
	if err != nil {
		return err
	}
	return p.Write(path, data)
}
