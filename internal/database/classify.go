package database

import (
	"strings"
	"unicode"
)

// QueryType represents the type of database query
type QueryType int

const (
	QueryTypeRead QueryType = iota
	QueryTypeWrite
)

func (q QueryType) String() string {
	if q == QueryTypeRead {
		return "read"
	}
	return "write"
}

// mutating first keywords
var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"REPLACE": true, "CREATE": true, "DROP": true, "ALTER": true, "TRUNCATE": true,
	"GRANT": true, "REVOKE": true, "LOCK": true, "CALL": true, "COPY": true,
	"VACUUM": true, "REFRESH": true, "REINDEX": true, "CLUSTER": true, "COMMENT": true,
}

// first keywords that cannot mutate state on their own
var readKeywords = map[string]bool{
	"SELECT": true, "WITH": true, "SHOW": true, "VALUES": true, "TABLE": true,
	"DESCRIBE": true, "DESC": true, "EXPLAIN": true,
}

// sequence functions advance state even inside a SELECT
var mutatingFuncs = map[string]bool{
	"NEXTVAL": true, "SETVAL": true,
}

// ClassifyStatement lexically decides whether sql can mutate state. Anything
// it cannot prove read-only is a write.
func ClassifyStatement(sql string) QueryType {
	statements := splitStatements(tokenize(sql))
	if len(statements) == 0 {
		return QueryTypeWrite
	}
	for _, stmt := range statements {
		if classifyTokens(stmt) == QueryTypeWrite {
			return QueryTypeWrite
		}
	}
	return QueryTypeRead
}

func classifyTokens(tokens []string) QueryType {
	first := tokens[0]
	if first == "(" {
		// parenthesised select: skip to the first keyword
		for len(tokens) > 0 && tokens[0] == "(" {
			tokens = tokens[1:]
		}
		if len(tokens) == 0 {
			return QueryTypeWrite
		}
		first = tokens[0]
	}

	if writeKeywords[first] {
		return QueryTypeWrite
	}
	if !readKeywords[first] {
		return QueryTypeWrite
	}

	if first == "EXPLAIN" {
		rest := tokens[1:]
		if len(rest) > 0 && rest[0] == "ANALYZE" {
			return QueryTypeWrite
		}
		if len(rest) > 0 && rest[0] == "(" {
			// EXPLAIN (ANALYZE, ...) runs the statement
			for _, tok := range rest {
				if tok == "ANALYZE" {
					return QueryTypeWrite
				}
			}
		}
		return QueryTypeRead
	}

	for i, tok := range tokens {
		switch {
		case i > 0 && writeKeywords[tok] && first == "WITH":
			// data-modifying CTE
			return QueryTypeWrite
		case tok == "INTO":
			return QueryTypeWrite
		case tok == "FOR" && i+1 < len(tokens):
			switch tokens[i+1] {
			case "UPDATE", "SHARE", "NO", "KEY":
				return QueryTypeWrite
			}
		case mutatingFuncs[tok] && i+1 < len(tokens) && tokens[i+1] == "(":
			return QueryTypeWrite
		}
	}
	return QueryTypeRead
}

func splitStatements(tokens []string) [][]string {
	var out [][]string
	start := 0
	for i, tok := range tokens {
		if tok == ";" {
			if i > start {
				out = append(out, tokens[start:i])
			}
			start = i + 1
		}
	}
	if start < len(tokens) {
		out = append(out, tokens[start:])
	}
	return out
}

// tokenize returns upper-cased words plus "(" and ";". Comments and quoted
// literals are dropped; quoted identifiers become an opaque token.
func tokenize(sql string) []string {
	var tokens []string
	runes := []rune(sql)
	n := len(runes)

	for i := 0; i < n; {
		c := runes[i]
		switch {
		case unicode.IsSpace(c):
			i++

		case c == '-' && i+1 < n && runes[i+1] == '-':
			for i < n && runes[i] != '\n' {
				i++
			}

		case c == '/' && i+1 < n && runes[i+1] == '*':
			i += 2
			for i < n && !(runes[i] == '*' && i+1 < n && runes[i+1] == '/') {
				i++
			}
			i += 2

		case c == '\'':
			i++
			for i < n {
				if runes[i] == '\'' {
					if i+1 < n && runes[i+1] == '\'' {
						i += 2
						continue
					}
					break
				}
				i++
			}
			i++

		case c == '"' || c == '`':
			quote := c
			i++
			for i < n && runes[i] != quote {
				i++
			}
			i++
			tokens = append(tokens, "?")

		case c == '$' && i+1 < n && (runes[i+1] == '$' || unicode.IsLetter(runes[i+1])):
			// dollar-quoted string: $tag$ ... $tag$
			j := i + 1
			for j < n && runes[j] != '$' && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			if j >= n || runes[j] != '$' {
				i = j
				continue
			}
			tag := string(runes[i : j+1])
			width := j + 1 - i
			k := j + 1
			for k+width <= n && string(runes[k:k+width]) != tag {
				k++
			}
			i = k + width

		case c == '(' || c == ';':
			tokens = append(tokens, string(c))
			i++

		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < n && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			tokens = append(tokens, strings.ToUpper(string(runes[i:j])))
			i = j

		default:
			i++
		}
	}
	return tokens
}
