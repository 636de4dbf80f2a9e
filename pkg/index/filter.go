package index

import (
	"fmt"
	"strconv"
	"strings"
)

// evalFilter evaluates the filter dialect the archive generates: AND/OR of
// clauses, parenthesized groups, `field = value` with array-membership on
// list fields, `field IN [..]`, and numeric comparisons. OR binds loosest.
func evalFilter(doc *Document, expr string) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}

	if parts := splitTopLevel(expr, " OR "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := evalFilter(doc, p)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}

	if parts := splitTopLevel(expr, " AND "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := evalFilter(doc, p)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	if strings.HasPrefix(expr, "(") && strings.HasSuffix(expr, ")") && wrapsWhole(expr) {
		return evalFilter(doc, expr[1:len(expr)-1])
	}

	return evalClause(doc, expr)
}

// splitTopLevel splits expr on sep outside parentheses and quotes.
func splitTopLevel(expr, sep string) []string {
	var parts []string
	depth := 0
	var quote byte
	start := 0
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && strings.HasPrefix(expr[i:], sep):
			parts = append(parts, strings.TrimSpace(expr[start:i]))
			start = i + len(sep)
			i = start - 1
		}
	}
	parts = append(parts, strings.TrimSpace(expr[start:]))
	return parts
}

// wrapsWhole reports whether the opening paren at position 0 closes at the
// final byte, so the parens enclose the entire expression.
func wrapsWhole(expr string) bool {
	depth := 0
	var quote byte
	for i := 0; i < len(expr); i++ {
		c := expr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth == 0 {
				return i == len(expr)-1
			}
		}
	}
	return false
}

func evalClause(doc *Document, clause string) (bool, error) {
	if field, list, ok := cutOperator(clause, " IN "); ok {
		values, err := parseList(list)
		if err != nil {
			return false, err
		}
		for _, fv := range fieldValues(doc, field) {
			for _, want := range values {
				if equalValue(fv, want) {
					return true, nil
				}
			}
		}
		return false, nil
	}

	for _, op := range []string{">=", "<=", "!=", "=", ">", "<"} {
		field, raw, ok := cutOperator(clause, " "+op+" ")
		if !ok {
			// Also accept the operator without surrounding spaces.
			field, raw, ok = cutBare(clause, op)
		}
		if !ok {
			continue
		}
		want := unquote(raw)
		values := fieldValues(doc, field)

		if op == "!=" {
			// Every value must differ, not just one.
			for _, fv := range values {
				if equalValue(fv, want) {
					return false, nil
				}
			}
			return true, nil
		}

		for _, fv := range values {
			var hit bool
			if op == "=" {
				hit = equalValue(fv, want)
			} else {
				cmp, err := compareValue(fv, want)
				if err != nil {
					return false, err
				}
				switch op {
				case ">":
					hit = cmp > 0
				case ">=":
					hit = cmp >= 0
				case "<":
					hit = cmp < 0
				case "<=":
					hit = cmp <= 0
				}
			}
			if hit {
				return true, nil
			}
		}
		return false, nil
	}

	return false, fmt.Errorf("index: unsupported filter clause %q", clause)
}

func cutOperator(clause, op string) (field, rest string, ok bool) {
	i := strings.Index(clause, op)
	if i < 0 {
		return "", "", false
	}
	return strings.TrimSpace(clause[:i]), strings.TrimSpace(clause[i+len(op):]), true
}

// cutBare handles `field=value` written without spaces. It refuses to match
// when the candidate operator is part of a longer one (e.g. `=` inside `>=`).
func cutBare(clause, op string) (field, rest string, ok bool) {
	i := strings.Index(clause, op)
	if i <= 0 {
		return "", "", false
	}
	if op == "=" && (clause[i-1] == '>' || clause[i-1] == '<' || clause[i-1] == '!') {
		return "", "", false
	}
	return strings.TrimSpace(clause[:i]), strings.TrimSpace(clause[i+len(op):]), true
}

func parseList(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "[") || !strings.HasSuffix(raw, "]") {
		return nil, fmt.Errorf("index: malformed IN list %q", raw)
	}
	inner := raw[1 : len(raw)-1]
	var out []string
	for _, item := range splitTopLevel(inner, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, unquote(item))
	}
	return out, nil
}

func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// fieldValues exposes a document's filterable attributes as a value list.
// Scalar fields yield one element; array fields yield one per member, which
// gives `=` the same membership semantics the real backend applies.
func fieldValues(d *Document, field string) []any {
	switch field {
	case "id":
		return []any{d.ID}
	case "from":
		return []any{d.From}
	case "to":
		return []any{d.To}
	case "date":
		return []any{d.Date}
	case "date_timestamp":
		return []any{d.DateTimestamp}
	case "org_id":
		out := make([]any, 0, len(d.OrgIDs))
		for _, id := range d.OrgIDs {
			out = append(out, id)
		}
		return out
	case "domains":
		return stringValues(d.Domains)
	case "has_attachments":
		return []any{d.HasAttachments}
	case "is_spam":
		return []any{d.IsSpam}
	case "sender_domain":
		return []any{d.SenderDomain}
	case "recipient_domains":
		return stringValues(d.RecipientDomains)
	case "message_id":
		return []any{d.MessageID}
	case "in_reply_to":
		return stringValues(d.InReplyTo)
	case "references":
		return stringValues(d.References)
	case "attachment_content":
		return []any{d.AttachmentContent}
	case "sha256":
		return []any{d.SHA256}
	case "signature":
		return []any{d.Signature}
	case "envelope_from":
		return []any{d.EnvelopeFrom}
	case "envelope_rcpt":
		return stringValues(d.EnvelopeRcpt)
	case "sender_email":
		return []any{d.SenderEmail}
	case "recipient_emails":
		return stringValues(d.RecipientEmails)
	case "size":
		return []any{d.Size}
	}
	return nil
}

func stringValues(ss []string) []any {
	out := make([]any, 0, len(ss))
	for _, s := range ss {
		out = append(out, s)
	}
	return out
}

func equalValue(fv any, want string) bool {
	switch v := fv.(type) {
	case string:
		return v == want
	case int64:
		n, err := strconv.ParseInt(want, 10, 64)
		return err == nil && v == n
	case bool:
		return (want == "true" && v) || (want == "false" && !v)
	}
	return false
}

func compareValue(fv any, want string) (int, error) {
	switch v := fv.(type) {
	case int64:
		n, err := strconv.ParseInt(want, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("index: non-numeric comparison operand %q", want)
		}
		switch {
		case v < n:
			return -1, nil
		case v > n:
			return 1, nil
		}
		return 0, nil
	case string:
		return strings.Compare(v, want), nil
	}
	return 0, fmt.Errorf("index: field type does not support comparison")
}
