// Package feature validates feature names and derives them from
// free-form descriptions.
package feature

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxSlugRunes caps the length of derived feature names.
const MaxSlugRunes = 40

// Names must start with a letter or digit and contain only letters,
// digits, hyphens, underscores.
var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ValidName reports whether name is usable as a feature name.
func ValidName(name string) bool {
	return namePattern.MatchString(name)
}

// ValidateName returns a descriptive error when name is not usable.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("feature name is empty")
	}
	if !ValidName(name) {
		return fmt.Errorf("invalid feature name %q: must start with a letter or digit and contain only letters, digits, hyphens, and underscores", name)
	}
	return nil
}

// Slugify derives a feature name from a free-form description. The
// description is NFKC-normalized and lowercased, runs of characters
// outside [a-z0-9] collapse to single hyphens, and the result is cut at
// a word boundary to MaxSlugRunes.
func Slugify(description string) (string, error) {
	s := strings.ToLower(norm.NFKC.String(description))

	var b strings.Builder
	lastDash := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}

	slug := strings.Trim(b.String(), "-")
	if len(slug) > MaxSlugRunes {
		slug = slug[:MaxSlugRunes]
		// Drop the word the cut landed in.
		if i := strings.LastIndex(slug, "-"); i > 0 {
			slug = slug[:i]
		}
	}

	if slug == "" {
		return "", fmt.Errorf("cannot derive a feature name from %q", description)
	}
	return slug, nil
}

// QuickPRD returns a minimal PRD generated from a one-line description,
// used when a workflow is started from a description instead of an
// existing PRD.md.
func QuickPRD(description string) string {
	description = strings.TrimSpace(description)
	return fmt.Sprintf(`# %s

## Overview

%s

## Requirements

- %s
- Follow the existing conventions of the codebase.
- Cover the new behavior with tests.

## Out of Scope

Anything not needed to deliver the requirement above.
`, description, description, description)
}
