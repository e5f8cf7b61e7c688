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

package scheduler

import (
	"sync"

	"github.com/carverauto/routervault/pkg/models"
)

// resultLog keeps the most recent check results.
type resultLog struct {
	mu   sync.Mutex
	buf  []models.CheckResult
	size int
}

func newResultLog(size int) *resultLog {
	return &resultLog{size: size, buf: make([]models.CheckResult, 0, size)}
}

func (l *resultLog) add(r models.CheckResult) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.buf) == l.size {
		copy(l.buf, l.buf[1:])
		l.buf = l.buf[:len(l.buf)-1]
	}

	l.buf = append(l.buf, r)
}

// recent returns up to limit results, newest first. limit <= 0 returns all.
func (l *resultLog) recent(limit int) []models.CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.buf)
	if limit <= 0 || limit > n {
		limit = n
	}

	out := make([]models.CheckResult, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, l.buf[i])
	}

	return out
}
