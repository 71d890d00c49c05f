/*
 * Copyright 2017-2022 Provide Technologies Inc.
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

package main

import (
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	dbconf "github.com/kthomas/go-db-config"

	"github.com/zkmarket/compute-node/common"
)

func main() {
	cfg := dbconf.GetDBConfig()

	databaseURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.DatabaseUser,
		cfg.DatabasePassword,
		cfg.DatabaseHost,
		cfg.DatabasePort,
		cfg.DatabaseName,
		cfg.DatabaseSSLMode,
	)

	source := os.Getenv("MIGRATIONS_SOURCE")
	if source == "" {
		source = "file://./ops/migrations"
	}

	m, err := migrate.New(source, databaseURL)
	if err != nil {
		common.Log.Panicf("failed to initialize database migrations; %s", err.Error())
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		common.Log.Panicf("failed to apply database migrations; %s", err.Error())
	}

	common.Log.Debug("database migrations applied")
}
