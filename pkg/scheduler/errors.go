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
	"context"
	"errors"

	"github.com/carverauto/routervault/pkg/models"
	"github.com/carverauto/routervault/pkg/routeros"
	"github.com/carverauto/routervault/pkg/storage"
	"github.com/carverauto/routervault/pkg/vault"
)

var errPanic = errors.New("device cycle panicked")

// errorKind names the failure class reported on results and notifications.
func errorKind(err error) string {
	if k := routeros.KindOf(err); k != "" {
		return string(k)
	}

	var vErr *vault.Error
	if errors.As(err, &vErr) {
		return "vault_" + string(vErr.Kind)
	}

	switch {
	case errors.Is(err, storage.ErrCorrupt):
		return "storage_corrupt"
	case errors.Is(err, storage.ErrUnavailable):
		return "storage_unavailable"
	case errors.Is(err, errPanic):
		return "panic"
	case errors.Is(err, context.DeadlineExceeded):
		return string(routeros.KindTimeout)
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "internal"
	}
}

func outcomeOf(err error) models.Outcome {
	switch {
	case err == nil:
		return models.OutcomeSuccess
	case routeros.IsConnectivity(err), errors.Is(err, context.DeadlineExceeded):
		return models.OutcomeUnreachable
	default:
		return models.OutcomeFailure
	}
}
