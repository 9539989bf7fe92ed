/*
Package utils contains the helper functions shared by the pysolr packages.
*/
package utils

import (
	"encoding/json"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/dgryski/go-farm"
	log "github.com/sirupsen/logrus"
)

var logger = log.WithField("tag", "pysolr.utils")

// GetJSONStr will return an mashaled json string from struct, if failed, return empty string
func GetJSONStr(t interface{}) string {
	item, err := json.Marshal(t)
	if err == nil {
		return string(item)
	}
	logger.Warnf("Failed to marshal json object. %s", err)
	return ""
}

// Difference will find the difference between two slices,
// and return items in slice1 not in slice2,
// and return items in slice2 not in slice1
func Difference(slice1 []string, slice2 []string) ([]string, []string) {
	set1 := make(map[string]struct{}, len(slice1))
	for _, s := range slice1 {
		set1[s] = struct{}{}
	}
	set2 := make(map[string]struct{}, len(slice2))
	for _, s := range slice2 {
		set2[s] = struct{}{}
	}

	var diff1, diff2 []string
	for _, s := range slice1 {
		if _, ok := set2[s]; !ok {
			diff1 = append(diff1, s)
		}
	}
	for _, s := range slice2 {
		if _, ok := set1[s]; !ok {
			diff2 = append(diff2, s)
		}
	}
	return diff1, diff2
}

// SelectInt takes an option and a default value and returns the default value if
// the option is equal to zero, and the option otherwise.
func SelectInt(opt, def int) int {
	if opt == 0 {
		return def
	}
	return opt
}

// SelectDuration takes an option and a default value and returns the default value if
// the option is equal to zero, and the option otherwise.
func SelectDuration(opt, def time.Duration) time.Duration {
	if opt == time.Duration(0) {
		return def
	}
	return opt
}

// SelectString takes an option and a default value and returns the default value if
// the option is equal to zero, and the option otherwise.
func SelectString(opt, def string) string {
	if opt == "" {
		return def
	}
	return opt
}

// Min returns min(a,b)
func Min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// GetCheckSumFromNodes returns an order independent fingerprint of nodes.
// The input slice is not modified.
func GetCheckSumFromNodes(nodes []string) uint32 {
	sorted := make([]string, len(nodes))
	copy(sorted, nodes)
	sort.Strings(sorted)
	return farm.Fingerprint32([]byte(strings.Join(sorted, ";")))
}

// DoPanicRecovery is the common panic recover pattern for go routing
// All the go routing normal failure should return error, instead of panic.
func DoPanicRecovery(name string) {
	if r := recover(); r != nil {
		logger.Errorf("%s failed with error %s %s", name, r, string(debug.Stack()))
	}
}

// StrSliceContains will return whether slice contains the value
func StrSliceContains(s []string, e string) bool {
	for _, a := range s {
		if a == e {
			return true
		}
	}
	return false
}
