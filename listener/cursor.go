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

package listener

import (
	"fmt"

	"github.com/jinzhu/gorm"
	uuid "github.com/kthomas/go.uuid"
	provide "github.com/provideplatform/provide-go/api"

	"github.com/zkmarket/compute-node/common"
)

// Cursor tracks the highest block number already scanned for a contract's events so
// a restart resumes from where the previous process stopped
type Cursor struct {
	provide.Model
	Key         *string `json:"key"`
	BlockNumber uint64  `json:"block_number"`
}

// TableName returns the cursor db table name
func (c *Cursor) TableName() string {
	return "listener_cursors"
}

// InitCursor returns an unpersisted cursor for the given contract address baseline
func InitCursor(key string, blockNumber uint64) *Cursor {
	return &Cursor{
		Key:         common.StringOrNil(key),
		BlockNumber: blockNumber,
	}
}

// LoadCursor reads the persisted cursor for the given contract address, returning
// nil when no cursor has been persisted yet or no db connection is configured
func LoadCursor(db *gorm.DB, key string) *Cursor {
	if db == nil {
		return nil
	}

	cursor := &Cursor{}
	db.Where("key = ?", key).Find(&cursor)
	if cursor.ID == uuid.Nil || cursor.Key == nil {
		return nil
	}
	return cursor
}

// Advance moves the cursor to the given block number and persists it; with no db
// connection the cursor advances in memory only
func (c *Cursor) Advance(db *gorm.DB, blockNumber uint64) error {
	c.BlockNumber = blockNumber

	if db == nil {
		return nil
	}

	if c.ID == uuid.Nil {
		result := db.Create(&c)
		if len(result.GetErrors()) > 0 {
			return fmt.Errorf("failed to persist listener cursor; %s", result.GetErrors()[0].Error())
		}
		return nil
	}

	result := db.Save(&c)
	if len(result.GetErrors()) > 0 {
		return fmt.Errorf("failed to persist listener cursor; %s", result.GetErrors()[0].Error())
	}
	return nil
}
