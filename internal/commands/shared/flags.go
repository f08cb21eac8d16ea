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

package shared

// Global flag values, set by the root command.
var (
	verboseFlag  bool
	jsonFlag     bool
	configFlag   string
	regionFlag   string
	endpointFlag string
	envFileFlag  string

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Flags holds pointers to the global flag variables.
type Flags struct {
	Verbose  *bool
	JSON     *bool
	Config   *string
	Region   *string
	Endpoint *string
	EnvFile  *string
}

// RegisterFlagPointers returns pointers to flag variables for binding.
func RegisterFlagPointers() Flags {
	return Flags{
		Verbose:  &verboseFlag,
		JSON:     &jsonFlag,
		Config:   &configFlag,
		Region:   &regionFlag,
		Endpoint: &endpointFlag,
		EnvFile:  &envFileFlag,
	}
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool { return verboseFlag }

// GetJSON returns the JSON output flag value
func GetJSON() bool { return jsonFlag }

// GetConfigPath returns the config file path
func GetConfigPath() string { return configFlag }

// ResetFlagsForTest clears all global flags.
func ResetFlagsForTest() {
	verboseFlag, jsonFlag = false, false
	configFlag, regionFlag, endpointFlag, envFileFlag = "", "", "", ""
}
