/**
# SPDX-FileCopyrightText: Copyright (c) 2025 NVIDIA CORPORATION & AFFILIATES. All rights reserved.
# SPDX-License-Identifier: Apache-2.0
#
# Licensed under the Apache License, Version 2.0 (the "License");
# you may not use this file except in compliance with the License.
# You may obtain a copy of the License at
#
#     http://www.apache.org/licenses/LICENSE-2.0
#
# Unless required by applicable law or agreed to in writing, software
# distributed under the License is distributed on an "AS IS" BASIS,
# WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
# See the License for the specific language governing permissions and
# limitations under the License.
**/

package nodelabel

import (
	"context"
	"fmt"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/NVIDIA/gpu-passthrough-hook/pkg/types"
)

// StateMixed is published when managed devices disagree on their owner.
const StateMixed = "mixed"

// Publisher records the owner of the managed devices as a label on a node.
type Publisher struct {
	clientset kubernetes.Interface
	nodeName  string
	label     string
}

// New creates a Publisher using an existing clientset.
func New(clientset kubernetes.Interface, nodeName string, label string) *Publisher {
	return &Publisher{
		clientset: clientset,
		nodeName:  nodeName,
		label:     label,
	}
}

// NewFromKubeconfig creates a Publisher from a kubeconfig file. An empty path
// uses the in-cluster configuration.
func NewFromKubeconfig(kubeconfig string, nodeName string, label string) (*Publisher, error) {
	config, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("error building kubernetes clientcmd config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("error building kubernetes clientset from config: %w", err)
	}

	return New(clientset, nodeName, label), nil
}

// State summarizes device states as a single label value.
func State(states []types.DeviceState) string {
	if len(states) == 0 {
		return types.OwnerUnbound.String()
	}
	owner := states[0].Owner
	for _, s := range states[1:] {
		if s.Owner != owner {
			return StateMixed
		}
	}
	return owner.String()
}

// Publish sets the label to the summarized state of the devices.
func (p *Publisher) Publish(ctx context.Context, states []types.DeviceState) error {
	return p.setNodeLabelValue(ctx, State(states))
}

// Get returns the currently published value, or "" if the label is unset.
func (p *Publisher) Get(ctx context.Context) (string, error) {
	node, err := p.clientset.CoreV1().Nodes().Get(ctx, p.nodeName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("unable to get node object: %w", err)
	}
	return node.Labels[p.label], nil
}

func (p *Publisher) setNodeLabelValue(ctx context.Context, value string) error {
	node, err := p.clientset.CoreV1().Nodes().Get(ctx, p.nodeName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("unable to get node object: %w", err)
	}

	labels := node.GetLabels()
	if labels == nil {
		labels = make(map[string]string)
	}
	if labels[p.label] == value {
		return nil
	}
	labels[p.label] = value
	node.SetLabels(labels)
	_, err = p.clientset.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
	if err != nil {
		return fmt.Errorf("unable to update node object: %w", err)
	}

	return nil
}
