// Copyright 2025 Kadir Pekel
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

// Package provider reads the raw bridge configuration from a file or a
// key/value store and reports when it changes.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Type string

const (
	TypeFile      Type = "file"
	TypeConsul    Type = "consul"
	TypeEtcd      Type = "etcd"
	TypeZookeeper Type = "zookeeper"
)

// DefaultKey is read from key/value stores when Source.Path is empty.
const DefaultKey = "toolbridge/config.yaml"

const defaultDialTimeout = 10 * time.Second

var typeAliases = map[string]Type{
	"":          TypeFile,
	"file":      TypeFile,
	"consul":    TypeConsul,
	"etcd":      TypeEtcd,
	"zookeeper": TypeZookeeper,
	"zk":        TypeZookeeper,
}

func ParseType(s string) (Type, error) {
	if t, ok := typeAliases[strings.ToLower(s)]; ok {
		return t, nil
	}
	return "", fmt.Errorf("unknown config source %q (valid: file, consul, etcd, zookeeper)", s)
}

// Remote reports whether the source is a key/value store.
func (t Type) Remote() bool {
	return t == TypeConsul || t == TypeEtcd || t == TypeZookeeper
}

// Provider yields raw configuration bytes. Implementations are safe for
// concurrent use.
type Provider interface {
	Type() Type
	Load(ctx context.Context) ([]byte, error)
	// Watch signals on the returned channel whenever the source may have
	// changed. A nil channel means the source cannot be watched.
	Watch(ctx context.Context) (<-chan struct{}, error)
	Close() error
}

// Source says where the configuration lives.
type Source struct {
	Type Type
	// Path is a file path or a store key.
	Path        string
	Endpoints   []string
	DialTimeout time.Duration
}

func (s Source) key() string {
	if s.Path == "" {
		return DefaultKey
	}
	return s.Path
}

func (s Source) dialTimeout() time.Duration {
	if s.DialTimeout > 0 {
		return s.DialTimeout
	}
	return defaultDialTimeout
}

// New opens the provider for src.
func New(src Source) (Provider, error) {
	t, err := ParseType(string(src.Type))
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeConsul:
		return NewConsulProvider(src)
	case TypeEtcd:
		return NewEtcdProvider(src)
	case TypeZookeeper:
		return NewZookeeperProvider(src)
	default:
		if src.Path == "" {
			return nil, fmt.Errorf("config file path is required")
		}
		return NewFileProvider(src.Path)
	}
}
