// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

// Package env reports the deployment environment from ZAPLOAD_ENV.
package env

import (
	"strings"
	"sync"

	"github.com/spf13/viper"
)

const (
	Local      = "local"
	Production = "production"
	Testing    = "testing"
)

var (
	mu  sync.RWMutex
	cur string
)

func init() {
	v := viper.New()
	v.SetEnvPrefix("zapload")
	v.AutomaticEnv()
	Set(v.GetString("env"))
}

// Set overrides the environment. Unknown or empty values mean Local.
func Set(e string) {
	e = strings.ToLower(strings.TrimSpace(e))
	switch e {
	case Production, Testing:
	default:
		e = Local
	}
	mu.Lock()
	cur = e
	mu.Unlock()
}

// Get returns the current environment.
func Get() string {
	mu.RLock()
	defer mu.RUnlock()
	return cur
}

func IsLocal() bool {
	return Get() == Local
}

func IsProduction() bool {
	return Get() == Production
}

func IsTesting() bool {
	return Get() == Testing
}
