/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package instancekey parses and renders the canonical Cloud SQL instance
// identifier used throughout the broker: project:region:name.
package instancekey

import (
	"fmt"
	"strings"
)

// Key identifies a single managed Cloud SQL instance.
type Key struct {
	Project string
	Region  string
	Name    string
}

// Parse splits a project:region:name triple into its components. All three
// parts must be non-empty.
func Parse(raw string) (Key, error) {
	parts := strings.Split(raw, ":")
	if len(parts) != 3 {
		return Key{}, fmt.Errorf("instancekey: %q is not of the form project:region:name", raw)
	}
	k := Key{Project: parts[0], Region: parts[1], Name: parts[2]}
	if k.Project == "" || k.Region == "" || k.Name == "" {
		return Key{}, fmt.Errorf("instancekey: %q has an empty component", raw)
	}
	return k, nil
}

// String renders the key back to its canonical project:region:name form.
func (k Key) String() string {
	return k.Project + ":" + k.Region + ":" + k.Name
}

// RegionName renders the region~name form the admin API expects for the
// ephemeral-cert call. The instance-metadata call takes the bare Name.
func (k Key) RegionName() string {
	return k.Region + "~" + k.Name
}
