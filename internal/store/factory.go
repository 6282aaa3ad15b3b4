/*
Copyright 2025.

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

package store

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/kube-freezer/kube-freezer/internal/config"
)

// DefaultSQLitePath is used when no explicit path is configured.
const DefaultSQLitePath = "/data/kube-freezer.db"

// BuildArchive creates an archive from operator configuration. Database
// credentials come from the referenced Secret when one is set, otherwise
// from the inline config values.
func BuildArchive(ctx context.Context, reader client.Reader, cfg config.StorageConfig) (Archive, error) {
	pool := ConnectionPoolConfig{
		MaxIdleConns:    cfg.Pool.MaxIdleConns,
		MaxOpenConns:    cfg.Pool.MaxOpenConns,
		ConnMaxLifetime: cfg.Pool.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Pool.ConnMaxIdleTime,
	}

	switch cfg.Type {
	case "sqlite", "":
		path := cfg.SQLite.Path
		if path == "" {
			path = DefaultSQLitePath
		}
		dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
		return NewGormArchiveWithPool("sqlite", dsn, pool)

	case "postgres":
		pg := cfg.PostgreSQL
		if pg.Host == "" {
			return nil, fmt.Errorf("postgres host required when storage type is postgres")
		}
		username, password, err := resolveCredentials(ctx, reader, cfg, pg.Username, pg.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to get postgres credentials: %w", err)
		}
		port := pg.Port
		if port == 0 {
			port = 5432
		}
		sslMode := pg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			pg.Host, port, username, password, pg.Database, sslMode)
		return NewGormArchiveWithPool("postgres", dsn, pool)

	case "mysql":
		my := cfg.MySQL
		if my.Host == "" {
			return nil, fmt.Errorf("mysql host required when storage type is mysql")
		}
		username, password, err := resolveCredentials(ctx, reader, cfg, my.Username, my.Password)
		if err != nil {
			return nil, fmt.Errorf("failed to get mysql credentials: %w", err)
		}
		port := my.Port
		if port == 0 {
			port = 3306
		}
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			username, password, my.Host, port, my.Database)
		return NewGormArchiveWithPool("mysql", dsn, pool)

	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// resolveCredentials prefers the referenced Secret over inline values.
func resolveCredentials(ctx context.Context, reader client.Reader, cfg config.StorageConfig, inlineUser, inlinePassword string) (string, string, error) {
	ref := cfg.CredentialsSecret
	if ref.Name == "" {
		return inlineUser, inlinePassword, nil
	}

	secret := &corev1.Secret{}
	err := reader.Get(ctx, types.NamespacedName{
		Namespace: ref.Namespace,
		Name:      ref.Name,
	}, secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to get secret %s/%s: %w", ref.Namespace, ref.Name, err)
	}

	username, ok := secret.Data["username"]
	if !ok {
		return "", "", fmt.Errorf("secret %s/%s missing 'username' key", ref.Namespace, ref.Name)
	}

	password, ok := secret.Data["password"]
	if !ok {
		return "", "", fmt.Errorf("secret %s/%s missing 'password' key", ref.Namespace, ref.Name)
	}

	return string(username), string(password), nil
}
