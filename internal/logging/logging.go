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

// Package logging provides the broker's default structured logger. The
// broker is a library, not a controller-runtime manager, so it cannot rely
// on ctrl.Log the way the wider provider codebase does; instead every
// component accepts an optional *zap.SugaredLogger and falls back to a
// package-level no-op logger when none is supplied.
package logging

import "go.uber.org/zap"

// Nop is the default logger used when a caller does not supply one.
var Nop = zap.NewNop().Sugar()

// Named returns l scoped under name, or Nop scoped under name if l is nil.
func Named(l *zap.SugaredLogger, name string) *zap.SugaredLogger {
	if l == nil {
		l = Nop
	}
	return l.Named(name)
}
