// Copyright 2025 The Outline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fibers

import "log/slog"

type options struct {
	name    string
	logger  *slog.Logger
	metrics bool
}

// Option configures a [Scheduler].
type Option func(opts *options)

// WithName sets the scheduler name used in logs and metric labels.
func WithName(name string) Option {
	return func(opts *options) {
		opts.name = name
	}
}

// WithLogger sets the logger. Nil loggers are ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(opts *options) {
		if logger != nil {
			opts.logger = logger
		}
	}
}

// WithMetrics enables the Prometheus collectors of the scheduler.
func WithMetrics(enabled bool) Option {
	return func(opts *options) {
		opts.metrics = enabled
	}
}

func resolveOptions(opts []Option) *options {
	cfg := &options{
		name:   "fibers",
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}
