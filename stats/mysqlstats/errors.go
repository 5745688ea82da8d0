// Copyright 2019 Facet Data, Inc. All Rights Reserved.
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

package mysqlstats

import (
	"database/sql/driver"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// MySQL server error numbers that are worth a retry.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errStmtNotAllowed  = 1317 // statement interrupted mid-execution
)

// isTransient classifies errors that a fresh attempt may not hit again:
// dropped connections, lock timeouts and deadlocks. Anything else, including
// SQL and schema errors, fails immediately.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	var mySQLErr *mysql.MySQLError
	if errors.As(err, &mySQLErr) {
		switch mySQLErr.Number {
		case errLockWaitTimeout, errDeadlock, errStmtNotAllowed:
			return true
		}
	}
	return false
}
