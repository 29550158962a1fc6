package knowledge

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

type documentFrontmatter struct {
	SourceID      string   `yaml:"source_id"`
	Title         string   `yaml:"title"`
	URL           string   `yaml:"url"`
	AuthorityTier int      `yaml:"authority_tier"`
	Locale        string   `yaml:"locale"`
	Tags          []string `yaml:"tags"`
}

// LoadCorpus parses every markdown document under root. Documents must carry
// YAML frontmatter with at least source_id, title, and authority_tier.
func LoadCorpus(root string) ([]Document, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("missing corpus root")
	}

	var paths []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.ToLower(filepath.Ext(path)) != ".md" {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)

	docs := make([]Document, 0, len(paths))
	seen := make(map[string]struct{}, len(paths))
	for _, path := range paths {
		doc, err := ParseDocument(path)
		if err != nil {
			return nil, err
		}
		if _, exists := seen[doc.SourceID]; exists {
			return nil, fmt.Errorf("duplicate source id: %s", doc.SourceID)
		}
		seen[doc.SourceID] = struct{}{}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return nil, fmt.Errorf("no corpus documents found under %s", root)
	}
	return docs, nil
}

func ParseDocument(path string) (Document, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	fmRaw, body, err := splitFrontmatter(string(content))
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}

	var fm documentFrontmatter
	if err := yaml.Unmarshal([]byte(fmRaw), &fm); err != nil {
		return Document{}, fmt.Errorf("%s: invalid frontmatter: %w", path, err)
	}
	if strings.TrimSpace(fm.SourceID) == "" {
		return Document{}, fmt.Errorf("%s: missing source_id", path)
	}
	if strings.TrimSpace(fm.Title) == "" {
		return Document{}, fmt.Errorf("%s: missing title", path)
	}
	if fm.AuthorityTier < 1 || fm.AuthorityTier > 5 {
		return Document{}, fmt.Errorf("%s: invalid authority_tier %d (must be in [1,5])", path, fm.AuthorityTier)
	}

	return Document{
		SourceID:      strings.TrimSpace(fm.SourceID),
		Title:         strings.TrimSpace(fm.Title),
		URL:           strings.TrimSpace(fm.URL),
		AuthorityTier: fm.AuthorityTier,
		Locale:        strings.TrimSpace(fm.Locale),
		Tags:          fm.Tags,
		Body:          strings.TrimSpace(body),
	}, nil
}

func splitFrontmatter(content string) (string, string, error) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return "", "", fmt.Errorf("missing frontmatter start")
	}
	rest := normalized[len("---\n"):]
	idx := strings.Index(rest, "\n---\n")
	if idx < 0 {
		return "", "", fmt.Errorf("missing frontmatter end")
	}
	return rest[:idx], rest[idx+len("\n---\n"):], nil
}

// chunkCharBudget bounds a single chunk. Paragraphs are packed greedily; a
// paragraph longer than the budget becomes its own oversized chunk rather
// than being split mid-sentence.
const chunkCharBudget = 1200

// ChunkDocument splits a document body into passage chunks on paragraph
// boundaries. Chunk ids are "<source_id>#<n>" and stable for a given body.
func ChunkDocument(doc Document) []Chunk {
	paragraphs := splitParagraphs(doc.Body)
	if len(paragraphs) == 0 {
		return nil
	}

	var passages []string
	var current strings.Builder
	flush := func() {
		if current.Len() == 0 {
			return
		}
		passages = append(passages, current.String())
		current.Reset()
	}
	for _, p := range paragraphs {
		if current.Len() > 0 && current.Len()+len(p)+2 > chunkCharBudget {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(p)
	}
	flush()

	chunks := make([]Chunk, 0, len(passages))
	for i, passage := range passages {
		chunks = append(chunks, Chunk{
			ChunkID:       fmt.Sprintf("%s#%d", doc.SourceID, i),
			SourceID:      doc.SourceID,
			Title:         doc.Title,
			URL:           doc.URL,
			AuthorityTier: doc.AuthorityTier,
			Locale:        doc.Locale,
			Passage:       passage,
		})
	}
	return chunks
}

func splitParagraphs(body string) []string {
	parts := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n\n")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
