// Copyright 2021 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package etcd

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/server/v3/embed"
	"golang.org/x/sync/errgroup"
)

// Tester is for ut tests
type Tester struct {
	dir       string
	etcd      *embed.Etcd
	ClientURL *url.URL
	Client    *Client
	ctx       context.Context
	cancel    context.CancelFunc
	errg      *errgroup.Group
}

// SetUpTest setup etcd tester
func (s *Tester) SetUpTest(t *testing.T) {
	var err error
	s.dir = t.TempDir()
	s.ClientURL, s.etcd, err = SetupEmbedEtcd(s.dir)
	require.Nil(t, err)
	s.Client, err = Dial([]string{s.ClientURL.String()}, 3*time.Second)
	require.NoError(t, err)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.errg, s.ctx = errgroup.WithContext(s.ctx)
	errCh := s.etcd.Err()
	s.errg.Go(func() error {
		for {
			select {
			case <-s.ctx.Done():
				return nil
			case err, ok := <-errCh:
				if !ok {
					return nil
				}
				t.Log(err)
			}
		}
	})
}

// Namespace returns a namespace under a root unique to the test.
func (s *Tester) Namespace(root string) *Namespace {
	return NewNamespace(s.Client, root)
}

// NewClient dials another client to the embedded server, standing for an
// independent process.
func (s *Tester) NewClient(t *testing.T) *Client {
	cli, err := Dial([]string{s.ClientURL.String()}, 3*time.Second)
	require.NoError(t, err)
	return cli
}

// TearDownTest teardown etcd
func (s *Tester) TearDownTest(t *testing.T) {
	s.cancel()
	_ = s.errg.Wait()
	_ = s.Client.Close() //nolint:errcheck
	s.etcd.Close()
logEtcdError:
	for {
		select {
		case err, ok := <-s.etcd.Err():
			if !ok {
				break logEtcdError
			}
			t.Logf("etcd server error: %v", err)
		default:
			break logEtcdError
		}
	}
}
