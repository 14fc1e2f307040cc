package app

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"citylibrary/pkg/store"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	MinBodyLength = 10
	MaxBodyLength = 5000
	MinRating     = 1
	MaxRating     = 5
)

// Submission is an inbound review payload.
type Submission struct {
	BookID      int64  `json:"bookId"`
	DisplayName string `json:"displayName"`
	Rating      int    `json:"rating"`
	Body        string `json:"body"`
	Captcha     string `json:"-"`
}

type ViolationCode string

const (
	ViolationBookInvalid  ViolationCode = "book_invalid"
	ViolationBookNotFound ViolationCode = "book_not_found"
	ViolationNameRequired ViolationCode = "display_name_required"
	ViolationNameTooLong  ViolationCode = "display_name_too_long"
	ViolationRatingRange  ViolationCode = "rating_out_of_range"
	ViolationBodyRequired ViolationCode = "body_required"
	ViolationBodyTooShort ViolationCode = "body_too_short"
	ViolationBodyTooLong  ViolationCode = "body_too_long"
)

// Violation is one field-level reason a submission was refused.
type Violation struct {
	Field   string        `json:"field"`
	Code    ViolationCode `json:"code"`
	Message string        `json:"message"`
}

var violationMessages = map[ViolationCode]string{
	ViolationBookInvalid:  "Invalid book ID.",
	ViolationBookNotFound: "Book not found.",
	ViolationNameRequired: "Name is required.",
	ViolationNameTooLong:  "Name must be less than 100 characters.",
	ViolationRatingRange:  "Please select a valid rating (1-5 stars).",
	ViolationBodyRequired: "Review comment is required.",
	ViolationBodyTooShort: "Review must be at least 10 characters long.",
	ViolationBodyTooLong:  "Review must be at most 5000 characters long.",
}

func violation(field string, code ViolationCode) Violation {
	return Violation{Field: field, Code: code, Message: violationMessages[code]}
}

// Validator checks submissions. Apart from the catalog lookup it has no
// dependencies and no side effects.
type Validator struct {
	catalog store.CatalogStore
}

func NewValidator(catalog store.CatalogStore) Validator {
	return Validator{catalog: catalog}
}

// Validate returns the normalized submission or every violation found. The
// error is reserved for catalog failures, which are not the submitter's fault.
func (v Validator) Validate(ctx context.Context, in Submission, authenticated bool) (Submission, []Violation, error) {
	var violations []Violation
	out := Submission{BookID: in.BookID, Rating: in.Rating}

	if in.BookID <= 0 {
		violations = append(violations, violation("bookId", ViolationBookInvalid))
	} else {
		_, ok, err := v.catalog.GetBook(ctx, in.BookID)
		if err != nil {
			return Submission{}, nil, fmt.Errorf("lookup book %d: %w", in.BookID, err)
		}
		if !ok {
			violations = append(violations, violation("bookId", ViolationBookNotFound))
		}
	}

	if !authenticated {
		out.DisplayName = strings.TrimSpace(in.DisplayName)
		switch n := utf8.RuneCountInString(out.DisplayName); {
		case n == 0:
			violations = append(violations, violation("displayName", ViolationNameRequired))
		case n > MaxDisplayName:
			violations = append(violations, violation("displayName", ViolationNameTooLong))
		}
	}

	if in.Rating < MinRating || in.Rating > MaxRating {
		violations = append(violations, violation("rating", ViolationRatingRange))
	}

	out.Body = NormalizeBody(in.Body)
	switch n := utf8.RuneCountInString(out.Body); {
	case n == 0:
		violations = append(violations, violation("body", ViolationBodyRequired))
	case n < MinBodyLength:
		violations = append(violations, violation("body", ViolationBodyTooShort))
	case n > MaxBodyLength:
		violations = append(violations, violation("body", ViolationBodyTooLong))
	}

	if len(violations) > 0 {
		return Submission{}, violations, nil
	}
	return out, nil, nil
}

// NormalizeBody trims a review body and, when the body is well-formed markup
// made of known HTML elements, reduces it to its text. Anything else is kept
// exactly as typed, so "x<y" or "a<b" survive; escaping is left to whoever
// renders the body.
func NormalizeBody(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.Contains(trimmed, "<") {
		return trimmed
	}
	if text, ok := stripMarkup(trimmed); ok {
		return strings.TrimSpace(text)
	}
	return trimmed
}

var voidElements = map[atom.Atom]bool{
	atom.Area: true, atom.Br: true, atom.Col: true, atom.Embed: true,
	atom.Hr: true, atom.Img: true, atom.Input: true, atom.Wbr: true,
}

// stripMarkup returns the text content of raw. ok is false unless the
// tokenizer consumed all of raw, saw at least one tag, every tag names a
// known element and the tags nest correctly. Script and style contents are
// dropped; entities inside markup are decoded.
func stripMarkup(raw string) (string, bool) {
	z := html.NewTokenizer(strings.NewReader(raw))
	var b strings.Builder
	var open []atom.Atom
	consumed, tags := 0, 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		consumed += len(z.Raw())
		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == 0 {
				return "", false
			}
			tags++
			if a == atom.Br {
				b.WriteByte('\n')
			}
			if tt == html.StartTagToken && !voidElements[a] {
				open = append(open, a)
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			a := atom.Lookup(name)
			if a == 0 || len(open) == 0 || open[len(open)-1] != a {
				return "", false
			}
			open = open[:len(open)-1]
			tags++
		case html.CommentToken, html.DoctypeToken:
			tags++
		case html.TextToken:
			if !insideRawText(open) {
				b.Write(z.Text())
			}
		}
	}
	if consumed != len(raw) || tags == 0 || len(open) != 0 {
		return "", false
	}
	return b.String(), true
}

func insideRawText(open []atom.Atom) bool {
	for _, a := range open {
		if a == atom.Script || a == atom.Style {
			return true
		}
	}
	return false
}
