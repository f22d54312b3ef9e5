// Copyright 2019 dfuse Platform Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package engine

import (
	"sync"

	"go.uber.org/atomic"
)

// callbackRef is a shared-ownership handle on a deferred callback. The
// callback fires when the last outstanding reference is released. Refs that
// are never released (because their task was skipped) keep the callback from
// ever firing, which is the intended behavior for abandoned startups.
type callbackRef struct {
	owner *callbackOwner
}

type callbackOwner struct {
	refs atomic.Int32
	fn   func()
	once sync.Once
}

// newCallback creates the initial reference on fn.
func newCallback(fn func()) callbackRef {
	o := &callbackOwner{fn: fn}
	o.refs.Store(1)
	return callbackRef{owner: o}
}

func (r callbackRef) clone() callbackRef {
	r.owner.refs.Inc()
	return r
}

func (r callbackRef) release() {
	if r.owner.refs.Dec() == 0 {
		r.owner.once.Do(r.owner.fn)
	}
}
