/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package registry

import "strings"

// splitSQLStatements splits a migration on semicolons outside quotes and
// comments.
func splitSQLStatements(content string) []string {
	var (
		statements []string
		current    strings.Builder
		state      sqlParseState
	)

	for i := 0; i < len(content); i++ {
		ch := content[i]

		if state.inLineComment {
			if ch == '\n' {
				state.inLineComment = false
				current.WriteByte(ch)
			}

			continue
		}

		if state.inBlockComment {
			if ch == '*' && i+1 < len(content) && content[i+1] == '/' {
				state.inBlockComment = false
				i++
			}

			continue
		}

		if !state.inSingleQuote && !state.inDoubleQuote {
			if ch == '-' && i+1 < len(content) && content[i+1] == '-' {
				state.inLineComment = true
				i++

				continue
			}

			if ch == '/' && i+1 < len(content) && content[i+1] == '*' {
				state.inBlockComment = true
				i++

				continue
			}
		}

		switch {
		case ch == '\'' && !state.inDoubleQuote:
			state.inSingleQuote = !state.inSingleQuote
		case ch == '"' && !state.inSingleQuote:
			state.inDoubleQuote = !state.inDoubleQuote
		case ch == ';' && !state.inSingleQuote && !state.inDoubleQuote:
			if stmt := strings.TrimSpace(current.String()); stmt != "" {
				statements = append(statements, stmt)
			}

			current.Reset()

			continue
		}

		current.WriteByte(ch)
	}

	if stmt := strings.TrimSpace(current.String()); stmt != "" {
		statements = append(statements, stmt)
	}

	return statements
}

type sqlParseState struct {
	inSingleQuote  bool
	inDoubleQuote  bool
	inLineComment  bool
	inBlockComment bool
}

func extractVersion(filename string) string {
	version, _, _ := strings.Cut(filename, "_")
	return version
}
