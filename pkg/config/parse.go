// Copyright (c) 2019 The Gnet Authors. All rights reserved.
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

package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	jsoniter "github.com/json-iterator/go"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"

	errorx "github.com/orderengine/reactor/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func parse(format Format, data []byte) (map[string]string, error) {
	switch format {
	case FormatINI:
		return parseINI(data)
	case FormatYAML:
		var tree map[string]interface{}
		if err := yaml.Unmarshal(data, &tree); err != nil {
			return nil, err
		}
		return flatten(tree), nil
	case FormatTOML:
		var tree map[string]interface{}
		if err := toml.Unmarshal(data, &tree); err != nil {
			return nil, err
		}
		return flatten(tree), nil
	case FormatJSON:
		var tree map[string]interface{}
		if err := json.Unmarshal(data, &tree); err != nil {
			return nil, err
		}
		return flatten(tree), nil
	}
	return nil, errorx.ErrUnsupportedConfigFormat
}

// parseINI flattens sections into "section.key", keys before the first
// section keep their bare name. Only whole-line comments are recognised.
func parseINI(data []byte) (map[string]string, error) {
	f, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true, SkipUnrecognizableLines: true}, data)
	if err != nil {
		return nil, err
	}
	values := make(map[string]string)
	for _, sec := range f.Sections() {
		prefix := ""
		if name := sec.Name(); name != ini.DefaultSection {
			prefix = name + "."
		}
		for _, key := range sec.Keys() {
			values[prefix+key.Name()] = key.Value()
		}
	}
	return values, nil
}

func flatten(tree map[string]interface{}) map[string]string {
	values := make(map[string]string)
	flattenInto(values, "", tree)
	return values
}

func flattenInto(values map[string]string, prefix string, node interface{}) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch v := node.(type) {
	case map[string]interface{}:
		for k, child := range v {
			flattenInto(values, join(k), child)
		}
	case map[interface{}]interface{}:
		for k, child := range v {
			flattenInto(values, join(fmt.Sprint(k)), child)
		}
	case []interface{}:
		for i, child := range v {
			flattenInto(values, join(strconv.Itoa(i)), child)
		}
	case []map[string]interface{}:
		for i, child := range v {
			flattenInto(values, join(strconv.Itoa(i)), child)
		}
	case nil:
		values[prefix] = ""
	default:
		values[prefix] = scalar(v)
	}
}

func scalar(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case time.Time:
		return v.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}
