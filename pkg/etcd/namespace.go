// Copyright 2024 PingCAP, Inc.
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
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	cerrors "github.com/hmsflow/hmsflow/pkg/errors"
	"github.com/hmsflow/hmsflow/pkg/retry"
)

const (
	// DefaultRoot is the key prefix every node lives under.
	DefaultRoot = "/hms"

	seqPrefix = "seq"

	defaultCASMaxTries   = 100
	casBackoffBaseInMs   = 5
	casBackoffMaxDelayMs = 200
)

// Node is a snapshot of one key. Revision is the ModRevision and acts as the
// node version for compare-and-swap writes.
type Node struct {
	Path     string
	Value    []byte
	Revision int64
}

// PatchFunc computes the new value of a node from its current value. old is
// nil when the node does not exist. Returning changed=false skips the write,
// returning a nil newValue with changed=true deletes the node.
// A PatchFunc may be called more than once and must only depend on old.
type PatchFunc func(old []byte) (newValue []byte, changed bool, err error)

// Namespace exposes a hierarchical node tree on top of etcd. Paths are
// relative to the root and use '/' as separator, e.g. "commands/cmd-0000000001".
type Namespace struct {
	cli         *Client
	root        string
	casMaxTries uint64
}

// NewNamespace creates a Namespace rooted at root.
func NewNamespace(cli *Client, root string) *Namespace {
	if root == "" {
		root = DefaultRoot
	}
	return &Namespace{
		cli:         cli,
		root:        "/" + strings.Trim(root, "/"),
		casMaxTries: defaultCASMaxTries,
	}
}

// Client returns the underlying client.
func (n *Namespace) Client() *Client {
	return n.cli
}

// Root returns the key prefix of the namespace.
func (n *Namespace) Root() string {
	return n.root
}

// Key maps a relative path to its etcd key.
func (n *Namespace) Key(p string) string {
	return n.root + "/" + strings.Trim(p, "/")
}

// Rel maps an etcd key back to its relative path.
func (n *Namespace) Rel(key string) (string, error) {
	prefix := n.root + "/"
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return "", cerrors.ErrInvalidEtcdKey.GenWithStackByArgs(key)
	}
	return key[len(prefix):], nil
}

// Get reads one node, returning ErrNodeNotExists if it is absent.
func (n *Namespace) Get(ctx context.Context, p string) (*Node, error) {
	resp, err := n.cli.Get(ctx, n.Key(p))
	if err != nil {
		return nil, cerrors.WrapError(cerrors.ErrEtcdAPIError, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, cerrors.ErrNodeNotExists.GenWithStackByArgs(p)
	}
	kv := resp.Kvs[0]
	return &Node{Path: p, Value: kv.Value, Revision: kv.ModRevision}, nil
}

// Exists reports whether the node is present.
func (n *Namespace) Exists(ctx context.Context, p string) (bool, error) {
	resp, err := n.cli.Get(ctx, n.Key(p), clientv3.WithCountOnly())
	if err != nil {
		return false, cerrors.WrapError(cerrors.ErrEtcdAPIError, err)
	}
	return resp.Count > 0, nil
}

// Create writes a node only if it does not exist yet and returns the
// revision of the new node. ErrNodeAlreadyExists is returned otherwise.
func (n *Namespace) Create(
	ctx context.Context, p string, value []byte, opts ...clientv3.OpOption,
) (int64, error) {
	key := n.Key(p)
	resp, err := n.cli.Txn(ctx,
		[]clientv3.Cmp{clientv3.Compare(clientv3.CreateRevision(key), "=", 0)},
		[]clientv3.Op{clientv3.OpPut(key, string(value), opts...)},
		TxnEmptyOpsElse)
	if err != nil {
		return 0, cerrors.WrapError(cerrors.ErrEtcdAPIError, err)
	}
	if !resp.Succeeded {
		return 0, cerrors.ErrNodeAlreadyExists.GenWithStackByArgs(p)
	}
	return resp.Header.Revision, nil
}

// CreateEphemeral creates a node bound to lease, so it disappears with the
// session owning the lease.
func (n *Namespace) CreateEphemeral(
	ctx context.Context, p string, value []byte, lease clientv3.LeaseID,
) error {
	_, err := n.Create(ctx, p, value, clientv3.WithLease(lease))
	return err
}

// SeqSlot is a reserved, not yet committed, sequential name. Cmps and Ops
// must be part of the transaction that creates the node at Path.
type SeqSlot struct {
	Path string
	Seq  int64
	Cmps []clientv3.Cmp
	Ops  []clientv3.Op
}

// SeqName formats a sequential node name.
func SeqName(prefix string, seq int64) string {
	return fmt.Sprintf("%s%010d", prefix, seq)
}

// ParseSeq extracts the sequence number from a sequential node name.
func ParseSeq(name, prefix string) (int64, bool) {
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	seq, err := strconv.ParseInt(name[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func (n *Namespace) counterPath(parent, prefix string) string {
	return path.Join(seqPrefix, strings.Trim(parent, "/"), prefix)
}

// PrepareSequential reserves the next name for a sequential child of parent.
// The reservation only holds if the caller commits Cmps and Ops with its own
// writes; a failed transaction means another writer took the slot.
func (n *Namespace) PrepareSequential(
	ctx context.Context, parent, prefix string,
) (*SeqSlot, error) {
	counter := n.counterPath(parent, prefix)
	counterKey := n.Key(counter)
	var (
		next int64
		cmp  clientv3.Cmp
	)
	node, err := n.Get(ctx, counter)
	switch {
	case cerrors.ErrNodeNotExists.Equal(err):
		cmp = clientv3.Compare(clientv3.CreateRevision(counterKey), "=", 0)
	case err != nil:
		return nil, err
	default:
		next, err = strconv.ParseInt(string(node.Value), 10, 64)
		if err != nil {
			return nil, cerrors.WrapError(cerrors.ErrUnmarshalFailed, err)
		}
		cmp = clientv3.Compare(clientv3.ModRevision(counterKey), "=", node.Revision)
	}
	p := path.Join(strings.Trim(parent, "/"), SeqName(prefix, next))
	return &SeqSlot{
		Path: p,
		Seq:  next,
		Cmps: []clientv3.Cmp{cmp, clientv3.Compare(clientv3.CreateRevision(n.Key(p)), "=", 0)},
		Ops:  []clientv3.Op{clientv3.OpPut(counterKey, strconv.FormatInt(next+1, 10))},
	}, nil
}

// CreateSequential creates a child of parent named prefix followed by a
// monotonically increasing ten digit number and returns its path.
func (n *Namespace) CreateSequential(
	ctx context.Context, parent, prefix string, value []byte,
) (string, error) {
	var created string
	err := n.casLoop(ctx, "sequential", func() error {
		slot, err := n.PrepareSequential(ctx, parent, prefix)
		if err != nil {
			return err
		}
		ops := append(slot.Ops, clientv3.OpPut(n.Key(slot.Path), string(value)))
		resp, err := n.cli.Txn(ctx, slot.Cmps, ops, TxnEmptyOpsElse)
		if err != nil {
			return cerrors.WrapError(cerrors.ErrEtcdAPIError, err)
		}
		if !resp.Succeeded {
			return cerrors.ErrEtcdTryAgain.GenWithStackByArgs()
		}
		created = slot.Path
		return nil
	})
	if err != nil {
		return "", n.convertCASError(parent, err)
	}
	return created, nil
}

// ReserveIDs atomically takes count consecutive ids from the named counter
// and returns the first one. Ids start at 1 and are never handed out twice.
func (n *Namespace) ReserveIDs(ctx context.Context, name string, count int64) (int64, error) {
	var first int64
	_, err := n.Patch(ctx, path.Join(seqPrefix, "ids", name), func(old []byte) ([]byte, bool, error) {
		last := int64(0)
		if old != nil {
			v, err := strconv.ParseInt(string(old), 10, 64)
			if err != nil {
				return nil, false, cerrors.WrapError(cerrors.ErrUnmarshalFailed, err)
			}
			last = v
		}
		first = last + 1
		return []byte(strconv.FormatInt(last+count, 10)), true, nil
	})
	if err != nil {
		return 0, err
	}
	return first, nil
}

// CmpRevision builds a compare that holds while the node is unchanged since
// it was read at rev. A zero rev means the node must not exist.
func (n *Namespace) CmpRevision(p string, rev int64) clientv3.Cmp {
	if rev == 0 {
		return clientv3.Compare(clientv3.CreateRevision(n.Key(p)), "=", 0)
	}
	return clientv3.Compare(clientv3.ModRevision(n.Key(p)), "=", rev)
}

// OpPut builds a put of p for use in Txn.
func (n *Namespace) OpPut(p string, value []byte) clientv3.Op {
	return clientv3.OpPut(n.Key(p), string(value))
}

// Txn commits a transaction and reports whether the compares held.
func (n *Namespace) Txn(
	ctx context.Context, cmps []clientv3.Cmp, ops []clientv3.Op,
) (*clientv3.TxnResponse, error) {
	resp, err := n.cli.Txn(ctx, cmps, ops, TxnEmptyOpsElse)
	if err != nil {
		return nil, cerrors.WrapError(cerrors.ErrEtcdAPIError, err)
	}
	return resp, nil
}

// Patch is a read-modify-compare-and-swap loop. fn is evaluated against the
// freshly read value on every attempt.
func (n *Namespace) Patch(ctx context.Context, p string, fn PatchFunc) (*Node, error) {
	var result *Node
	err := n.casLoop(ctx, "patch", func() error {
		var (
			old []byte
			rev int64
		)
		node, err := n.Get(ctx, p)
		switch {
		case cerrors.ErrNodeNotExists.Equal(err):
		case err != nil:
			return err
		default:
			old, rev = node.Value, node.Revision
		}
		value, changed, err := fn(old)
		if err != nil {
			return errors.Trace(err)
		}
		if !changed {
			result = node
			return nil
		}
		var op clientv3.Op
		if value == nil {
			op = clientv3.OpDelete(n.Key(p))
		} else {
			op = n.OpPut(p, value)
		}
		resp, err := n.Txn(ctx, []clientv3.Cmp{n.CmpRevision(p, rev)}, []clientv3.Op{op})
		if err != nil {
			return err
		}
		if !resp.Succeeded {
			return cerrors.ErrEtcdTryAgain.GenWithStackByArgs()
		}
		if value != nil {
			result = &Node{Path: p, Value: value, Revision: resp.Header.Revision}
		} else {
			result = nil
		}
		return nil
	})
	if err != nil {
		return nil, n.convertCASError(p, err)
	}
	return result, nil
}

// CASLoop runs op until it stops returning ErrEtcdTryAgain. It is the
// building block for callers that commit their own multi-key transactions.
func (n *Namespace) CASLoop(ctx context.Context, kind, p string, op retry.Operation) error {
	if err := n.casLoop(ctx, kind, op); err != nil {
		return n.convertCASError(p, err)
	}
	return nil
}

func (n *Namespace) casLoop(ctx context.Context, kind string, op retry.Operation) error {
	return retry.Do(ctx, func() error {
		err := op()
		if cerrors.ErrEtcdTryAgain.Equal(err) {
			casConflictCounter.WithLabelValues(kind).Inc()
		}
		return err
	}, retry.WithBackoffBaseDelay(casBackoffBaseInMs),
		retry.WithBackoffMaxDelay(casBackoffMaxDelayMs),
		retry.WithMaxTries(n.casMaxTries),
		retry.WithIsRetryableErr(func(err error) bool {
			return cerrors.ErrEtcdTryAgain.Equal(err)
		}))
}

func (n *Namespace) convertCASError(p string, err error) error {
	// a conflict that outlived every attempt surfaces either bare or wrapped
	// in ErrReachMaxTry, whose cause is the last conflict.
	if cerrors.ErrReachMaxTry.Equal(err) || cerrors.ErrEtcdTryAgain.Equal(err) {
		log.Warn("compare-and-swap did not converge", zap.String("path", p), zap.Error(err))
		return cerrors.ErrCASConflictExhausted.GenWithStackByArgs(p, n.casMaxTries)
	}
	return err
}

// Delete removes a single node. Deleting a missing node is not an error.
func (n *Namespace) Delete(ctx context.Context, p string) error {
	if _, err := n.cli.Delete(ctx, n.Key(p)); err != nil {
		return cerrors.WrapError(cerrors.ErrEtcdAPIError, err)
	}
	return nil
}

// DeleteTree removes a node together with all its descendants.
func (n *Namespace) DeleteTree(ctx context.Context, p string) error {
	key := n.Key(p)
	_, err := n.Txn(ctx, nil, []clientv3.Op{
		clientv3.OpDelete(key),
		clientv3.OpDelete(key+"/", clientv3.WithPrefix()),
	})
	return err
}

// Children lists the direct children of p ordered by name.
func (n *Namespace) Children(ctx context.Context, p string) ([]*Node, error) {
	prefix := n.Key(p) + "/"
	resp, err := n.cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, cerrors.WrapError(cerrors.ErrEtcdAPIError, err)
	}
	base := strings.Trim(p, "/")
	children := make([]*Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := string(kv.Key[len(prefix):])
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		children = append(children, &Node{
			Path:     base + "/" + name,
			Value:    kv.Value,
			Revision: kv.ModRevision,
		})
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Path < children[j].Path })
	return children, nil
}

// Snapshot reads every node under the root at one revision, used to replay
// state that was written while no watch was active.
func (n *Namespace) Snapshot(ctx context.Context) ([]*Node, int64, error) {
	resp, err := n.cli.Get(ctx, n.root+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, 0, cerrors.WrapError(cerrors.ErrEtcdAPIError, err)
	}
	nodes := make([]*Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		p, err := n.Rel(string(kv.Key))
		if err != nil {
			continue
		}
		nodes = append(nodes, &Node{Path: p, Value: kv.Value, Revision: kv.ModRevision})
	}
	return nodes, resp.Header.Revision, nil
}

// Watch watches every node under the root starting at rev.
func (n *Namespace) Watch(ctx context.Context, role string, rev int64) clientv3.WatchChan {
	return n.cli.Watch(ctx, n.root+"/", role, clientv3.WithPrefix(), clientv3.WithRev(rev))
}
