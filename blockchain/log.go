// Copyright (c) 2013-2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"github.com/blockpulse/pulsd/logger"
)

var log, _ = logger.Get(logger.SubsystemTags.CHAN)
