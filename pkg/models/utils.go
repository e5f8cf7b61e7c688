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

package models

import (
	"errors"
	"reflect"
	"strings"
)

var errNotStruct = errors.New("input must be a struct or pointer to struct")

// FilterSensitiveFields removes fields marked with `sensitive:"true"` tag
// from a struct before serializing it. Vault blobs and channel tokens are
// tagged so they never reach logs or the management layer.
func FilterSensitiveFields(input interface{}) (map[string]interface{}, error) {
	if input == nil {
		return make(map[string]interface{}), nil
	}

	result := filterRecursively(input)
	if result == nil {
		return make(map[string]interface{}), nil
	}

	if resultMap, ok := result.(map[string]interface{}); ok {
		return resultMap, nil
	}

	return nil, errNotStruct
}

func filterRecursively(input interface{}) interface{} {
	if input == nil {
		return nil
	}

	rv := reflect.ValueOf(input)
	rt := reflect.TypeOf(input)

	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil
		}

		rv = rv.Elem()
		rt = rt.Elem()
	}

	switch rv.Kind() {
	case reflect.Struct:
		result := make(map[string]interface{})

		for i := 0; i < rt.NumField(); i++ {
			field := rt.Field(i)
			fieldValue := rv.Field(i)

			if !fieldValue.CanInterface() {
				continue
			}

			if field.Tag.Get("sensitive") == "true" {
				continue
			}

			jsonTag := field.Tag.Get("json")
			if jsonTag == "-" {
				continue
			}

			fieldName := field.Name
			if jsonTag != "" {
				if commaIdx := strings.Index(jsonTag, ","); commaIdx != -1 {
					fieldName = jsonTag[:commaIdx]
				} else {
					fieldName = jsonTag
				}
			}

			result[fieldName] = filterRecursively(fieldValue.Interface())
		}

		return result

	case reflect.Slice, reflect.Array:
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return input
		}

		result := make([]interface{}, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			result[i] = filterRecursively(rv.Index(i).Interface())
		}

		return result

	case reflect.Map:
		result := make(map[string]interface{})

		for _, key := range rv.MapKeys() {
			if keyStr, ok := key.Interface().(string); ok {
				result[keyStr] = filterRecursively(rv.MapIndex(key).Interface())
			}
		}

		return result

	default:
		return input
	}
}
