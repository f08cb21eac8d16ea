// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"fmt"

	"github.com/tombee/relay/pkg/configbag"
)

// Phase is the stage of a call. Phases advance strictly forward within an
// attempt; retries return to PhaseBeforeTransmit.
type Phase int

const (
	PhaseBeforeSerialization Phase = iota
	PhaseSerialization
	PhaseBeforeTransmit
	PhaseTransmit
	PhaseBeforeDeserialization
	PhaseDeserialization
	PhaseAfterDeserialization
)

var phaseNames = [...]string{
	PhaseBeforeSerialization:   "BeforeSerialization",
	PhaseSerialization:         "Serialization",
	PhaseBeforeTransmit:        "BeforeTransmit",
	PhaseTransmit:              "Transmit",
	PhaseBeforeDeserialization: "BeforeDeserialization",
	PhaseDeserialization:       "Deserialization",
	PhaseAfterDeserialization:  "AfterDeserialization",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Hook identifies one interceptor hook.
type Hook int

const (
	HookReadBeforeExecution Hook = iota
	HookModifyBeforeSerialization
	HookReadBeforeSerialization
	HookReadAfterSerialization
	HookModifyBeforeRetryLoop
	HookReadBeforeAttempt
	HookModifyBeforeSigning
	HookReadBeforeSigning
	HookReadAfterSigning
	HookModifyBeforeTransmit
	HookReadBeforeTransmit
	HookReadAfterTransmit
	HookModifyBeforeDeserialization
	HookReadBeforeDeserialization
	HookReadAfterDeserialization
	HookModifyBeforeAttemptCompletion
	HookReadAfterAttempt
	HookModifyBeforeCompletion
	HookReadAfterExecution
)

type hookFunc func(Interceptor, *CallContext, *configbag.Bag) error

var hooks = [...]struct {
	name string
	call hookFunc
}{
	HookReadBeforeExecution:           {"read_before_execution", Interceptor.ReadBeforeExecution},
	HookModifyBeforeSerialization:     {"modify_before_serialization", Interceptor.ModifyBeforeSerialization},
	HookReadBeforeSerialization:       {"read_before_serialization", Interceptor.ReadBeforeSerialization},
	HookReadAfterSerialization:        {"read_after_serialization", Interceptor.ReadAfterSerialization},
	HookModifyBeforeRetryLoop:         {"modify_before_retry_loop", Interceptor.ModifyBeforeRetryLoop},
	HookReadBeforeAttempt:             {"read_before_attempt", Interceptor.ReadBeforeAttempt},
	HookModifyBeforeSigning:           {"modify_before_signing", Interceptor.ModifyBeforeSigning},
	HookReadBeforeSigning:             {"read_before_signing", Interceptor.ReadBeforeSigning},
	HookReadAfterSigning:              {"read_after_signing", Interceptor.ReadAfterSigning},
	HookModifyBeforeTransmit:          {"modify_before_transmit", Interceptor.ModifyBeforeTransmit},
	HookReadBeforeTransmit:            {"read_before_transmit", Interceptor.ReadBeforeTransmit},
	HookReadAfterTransmit:             {"read_after_transmit", Interceptor.ReadAfterTransmit},
	HookModifyBeforeDeserialization:   {"modify_before_deserialization", Interceptor.ModifyBeforeDeserialization},
	HookReadBeforeDeserialization:     {"read_before_deserialization", Interceptor.ReadBeforeDeserialization},
	HookReadAfterDeserialization:      {"read_after_deserialization", Interceptor.ReadAfterDeserialization},
	HookModifyBeforeAttemptCompletion: {"modify_before_attempt_completion", Interceptor.ModifyBeforeAttemptCompletion},
	HookReadAfterAttempt:              {"read_after_attempt", Interceptor.ReadAfterAttempt},
	HookModifyBeforeCompletion:        {"modify_before_completion", Interceptor.ModifyBeforeCompletion},
	HookReadAfterExecution:            {"read_after_execution", Interceptor.ReadAfterExecution},
}

func (h Hook) String() string {
	if h >= 0 && int(h) < len(hooks) {
		return hooks[h].name
	}
	return fmt.Sprintf("Hook(%d)", int(h))
}
