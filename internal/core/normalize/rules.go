package normalize

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// CategoryUnmatched is assigned when no URL rule yields a category.
// An unmatched URL is never a normalization error.
const CategoryUnmatched = "uncategorized"

// URLRule classifies a page URL. The pattern may define the named capture
// groups "category" and "article"; the first rule whose group matches
// wins for that field. A rule with a literal Category and no category
// group assigns that category to every URL it matches.
type URLRule struct {
	Name     string
	Pattern  *regexp.Regexp
	Category string
}

// rawURLRule is the on-disk YAML shape, one rule per file.
type rawURLRule struct {
	Name     string `yaml:"name"`
	Pattern  string `yaml:"pattern"`
	Category string `yaml:"category"`
}

// DefaultRules matches the canonical news-site URL layout:
// news.example.com/<category>/article-<id>.
func DefaultRules() []URLRule {
	return []URLRule{
		{
			Name:    "site-category",
			Pattern: regexp.MustCompile(`news\.example\.com/(?P<category>[^/?#]+)`),
		},
		{
			Name:    "article-id",
			Pattern: regexp.MustCompile(`article-(?P<article>\d+)`),
		},
	}
}

// LoadRules reads URL classification rules from *.yaml files in dir,
// one rule per file, ordered by file name. A missing directory is valid
// and yields the default rule set.
func LoadRules(dir string) ([]URLRule, error) {
	if dir == "" {
		return DefaultRules(), nil
	}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return DefaultRules(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("url rule dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("url rule path %q is not a directory", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading url rule dir: %w", err)
	}

	var rules []URLRule
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || (!strings.HasSuffix(e.Name(), ".yaml") && !strings.HasSuffix(e.Name(), ".yml")) {
			continue
		}

		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading rule file %s: %w", path, err)
		}

		var raw rawURLRule
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parsing rule file %s: %w", path, err)
		}
		if raw.Name == "" {
			continue // empty / comment-only file
		}
		if raw.Pattern == "" {
			return nil, fmt.Errorf("rule %q: pattern must not be empty", raw.Name)
		}
		if prev, dup := seen[raw.Name]; dup {
			return nil, fmt.Errorf("rule %q: duplicate rule name (also in %s)", raw.Name, prev)
		}

		re, err := regexp.Compile(raw.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %q: invalid pattern: %w", raw.Name, err)
		}

		seen[raw.Name] = path
		rules = append(rules, URLRule{
			Name:     raw.Name,
			Pattern:  re,
			Category: strings.ToLower(raw.Category),
		})
	}

	if len(rules) == 0 {
		return DefaultRules(), nil
	}
	return rules, nil
}

// Classify resolves the content category and article ID for a page URL.
// Unmatched URLs get CategoryUnmatched and a nil article ID.
func Classify(rules []URLRule, pageURL string) (string, *string) {
	category := ""
	var articleID *string

	for _, rule := range rules {
		if category != "" && articleID != nil {
			break
		}

		m := rule.Pattern.FindStringSubmatch(pageURL)
		if m == nil {
			continue
		}

		for i, group := range rule.Pattern.SubexpNames() {
			switch group {
			case "category":
				if category == "" && m[i] != "" {
					category = strings.ToLower(m[i])
				}
			case "article":
				if articleID == nil && m[i] != "" {
					id := strings.ToLower(m[i])
					articleID = &id
				}
			}
		}

		if category == "" && rule.Category != "" {
			category = rule.Category
		}
	}

	if category == "" {
		category = CategoryUnmatched
	}
	return category, articleID
}
