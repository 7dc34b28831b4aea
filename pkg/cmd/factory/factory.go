// Copyright 2022 PingCAP, Inc.
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

package factory

import (
	"strings"
	"time"

	"github.com/pingcap/errors"
	"github.com/spf13/cobra"

	"github.com/hmsflow/hmsflow/hms/history"
	"github.com/hmsflow/hmsflow/hms/intake"
	"github.com/hmsflow/hmsflow/pkg/config"
	"github.com/hmsflow/hmsflow/pkg/etcd"
)

const dialTimeout = 5 * time.Second

// Factory defines the client-side construction factory.
type Factory interface {
	ClientGetter
	EtcdClient() (*etcd.Client, error)
	Intake() (*intake.Intake, error)
	History() (*history.Log, error)
}

// ClientGetter defines the client getter.
type ClientGetter interface {
	GetEtcdAddr() string
	GetRoot() string
	GetLogLevel() string
}

// ClientFlags specifies the parameters needed to construct the client.
type ClientFlags struct {
	etcdAddr string
	root     string
	logLevel string
}

var _ ClientGetter = &ClientFlags{}

// GetEtcdAddr returns the etcd endpoints.
func (c *ClientFlags) GetEtcdAddr() string {
	return c.etcdAddr
}

// GetRoot returns the etcd directory of the hms cluster.
func (c *ClientFlags) GetRoot() string {
	return c.root
}

// GetLogLevel returns log level.
func (c *ClientFlags) GetLogLevel() string {
	return c.logLevel
}

// NewClientFlags creates new client flags.
func NewClientFlags() *ClientFlags {
	return &ClientFlags{}
}

// AddFlags receives a *cobra.Command reference and binds
// flags related to template printing to it.
func (c *ClientFlags) AddFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&c.etcdAddr, "etcd", "http://127.0.0.1:2379",
		"etcd address, use ',' to separate multiple endpoints")
	cmd.PersistentFlags().StringVar(&c.root, "root", config.DefaultRoot,
		"etcd directory of the hms cluster")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn",
		"log level (etc: debug|info|warn|error)")
}

type factoryImpl struct {
	ClientGetter
	client *etcd.Client
}

// NewFactory creates a client build factory.
func NewFactory(c ClientGetter) Factory {
	return &factoryImpl{ClientGetter: c}
}

// EtcdClient dials etcd once and returns the same client afterwards.
func (f *factoryImpl) EtcdClient() (*etcd.Client, error) {
	if f.client != nil {
		return f.client, nil
	}
	var endpoints []string
	for _, ep := range strings.Split(f.GetEtcdAddr(), ",") {
		if ep = strings.TrimSpace(ep); ep != "" {
			endpoints = append(endpoints, ep)
		}
	}
	if len(endpoints) == 0 {
		return nil, errors.New("empty etcd address")
	}
	cli, err := etcd.Dial(endpoints, dialTimeout)
	if err != nil {
		return nil, errors.Annotatef(err, "fail to open etcd client, etcd address: %s", f.GetEtcdAddr())
	}
	f.client = cli
	return cli, nil
}

func (f *factoryImpl) namespace() (*etcd.Namespace, error) {
	cli, err := f.EtcdClient()
	if err != nil {
		return nil, err
	}
	return etcd.NewNamespace(cli, f.GetRoot()), nil
}

// Intake returns the command queue of the hms cluster.
func (f *factoryImpl) Intake() (*intake.Intake, error) {
	ns, err := f.namespace()
	if err != nil {
		return nil, err
	}
	return intake.New(ns), nil
}

// History returns the cluster history of the hms cluster.
func (f *factoryImpl) History() (*history.Log, error) {
	ns, err := f.namespace()
	if err != nil {
		return nil, err
	}
	return history.New(ns), nil
}
