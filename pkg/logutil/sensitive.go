// Copyright 2022 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"regexp"

	"go.uber.org/zap"
)

var (
	// matches `password=xxx`, `--password xxx` and `token: xxx` in shell style payloads.
	argPatterns = `((?i)(password|passwd|secret|token)(=|:\s*|\s+))("[^"]*"|'[^']*'|\S+)`
	argRegexp   = regexp.MustCompile(argPatterns)

	// matches `"password":"xxx"` in json style payloads.
	jsonPatterns = `("(?i)(password|passwd|secret|token)"\s*:\s*)"(\\.|[^"\\])*"`
	jsonRegexp   = regexp.MustCompile(jsonPatterns)

	// to match PEM format, ref: https://en.wikipedia.org/wiki/Privacy-Enhanced_Mail
	pemPatterns = `-{5}BEGIN( [A-Z]+)+-{5}[\s\S]*?-{5}END( [A-Z]+)+-{5}`
	pemRegexp   = regexp.MustCompile(pemPatterns)
)

// HideSensitive replaces credentials embedded in an action payload with `******`.
func HideSensitive(input string) string {
	output := jsonRegexp.ReplaceAllString(input, `$1"******"`)
	output = argRegexp.ReplaceAllStringFunc(output, func(m string) string {
		sub := argRegexp.FindStringSubmatch(m)
		return sub[1] + "******"
	})
	output = pemRegexp.ReplaceAllString(output, "******")
	return output
}

// ZapPayload is a zap field carrying a payload with credentials hidden.
func ZapPayload(key, payload string) zap.Field {
	return zap.String(key, HideSensitive(payload))
}
