package workflow

import (
	"strings"
	"unicode"
)

// DeniedKeywords are statement keywords that must never reach the warehouse.
// Matching is whole-token: string literals, comments and identifiers that
// merely contain a keyword (UPDATED_AT, CREATED) do not trigger it.
var DeniedKeywords = []string{
	"DROP", "DELETE", "TRUNCATE", "UPDATE", "INSERT", "MERGE",
	"ALTER", "CREATE", "REPLACE", "GRANT", "REVOKE",
}

// readOnlyLeaders are the statement-leading tokens a query is allowed to
// start with.
var readOnlyLeaders = map[string]bool{
	"SELECT":   true,
	"WITH":     true,
	"SHOW":     true,
	"DESCRIBE": true,
	"DESC":     true,
	"EXPLAIN":  true,
}

// Verdict is the result of validating a SQL statement.
type Verdict struct {
	Allowed bool
	// Keyword is the token that caused the block: a denied keyword, or the
	// offending leading token when the statement is not read-only.
	Keyword string
}

// Validate decides whether a SQL statement is safe to execute. It is total:
// any input, including empty or malformed SQL, yields a verdict. The check
// is purely lexical; it never consults the warehouse.
func Validate(sql string) Verdict {
	tokens := tokenizeSQL(stripLiteralsAndComments(sql))
	if len(tokens) == 0 {
		return Verdict{Allowed: false, Keyword: ""}
	}
	for _, tok := range tokens {
		for _, kw := range DeniedKeywords {
			if tok == kw {
				return Verdict{Allowed: false, Keyword: kw}
			}
		}
	}
	if !readOnlyLeaders[tokens[0]] {
		return Verdict{Allowed: false, Keyword: tokens[0]}
	}
	return Verdict{Allowed: true}
}

// stripLiteralsAndComments blanks out string literals, quoted identifiers,
// line comments and block comments so their contents cannot be mistaken
// for statement keywords.
func stripLiteralsAndComments(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	runes := []rune(sql)
	for i := 0; i < len(runes); {
		switch {
		case runes[i] == '\'' || runes[i] == '"' || runes[i] == '`':
			quote := runes[i]
			i++
			for i < len(runes) {
				if runes[i] == quote {
					// Doubled quote is an escaped quote inside the literal.
					if i+1 < len(runes) && runes[i+1] == quote {
						i += 2
						continue
					}
					i++
					break
				}
				if runes[i] == '\\' && i+1 < len(runes) {
					i++
				}
				i++
			}
			b.WriteRune(' ')
		case runes[i] == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case runes[i] == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i < len(runes) {
				if runes[i] == '*' && i+1 < len(runes) && runes[i+1] == '/' {
					i += 2
					break
				}
				i++
			}
			b.WriteRune(' ')
		default:
			b.WriteRune(runes[i])
			i++
		}
	}
	return b.String()
}

// tokenizeSQL splits the stripped statement into uppercase word tokens.
// Underscores stay inside tokens so UPDATED_AT never splits into UPDATED.
func tokenizeSQL(sql string) []string {
	fields := strings.FieldsFunc(sql, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		tokens = append(tokens, strings.ToUpper(f))
	}
	return tokens
}
