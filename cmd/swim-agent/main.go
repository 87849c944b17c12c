/*
 * Copyright 2018 De-labtory
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command swim-agent is a thin demonstration consumer of the swim
// core, not part of it: it wires together a handful of in-process
// nodes over the local transport and prints reachability events and a
// final membership snapshot. A real network transport is out of
// scope for this module, so the demo simulates a small cluster inside
// a single process rather than spanning real hosts.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	swim "github.com/de-labtory/swimfd"
	"github.com/de-labtory/swimfd/local"
)

func main() {
	app := cli.NewApp()
	app.Name = "swim-agent"
	app.Usage = "demonstrate the swim failure detector against a simulated in-process cluster"
	app.Commands = []cli.Command{
		{
			Name:  "demo",
			Usage: "spin up a simulated cluster, kill a node, and watch it get detected",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "nodes", Value: 6, Usage: "number of simulated cluster members"},
				cli.IntFlag{Name: "kill-index", Value: 2, Usage: "index of the node to stop partway through"},
				cli.DurationFlag{Name: "kill-after", Value: 4 * time.Second, Usage: "how long to run before stopping kill-index"},
				cli.DurationFlag{Name: "duration", Value: 12 * time.Second, Usage: "total demo run time"},
			},
			Action: runDemo,
		},
	}

	if err := app.Run(os.Args); err != nil {
		logrus.WithError(err).Fatal("swim-agent failed")
	}
}

type agent struct {
	node   swim.Node
	shell  *swim.Shell
	ep     *local.Endpoint
	logger logrus.FieldLogger
}

func runDemo(c *cli.Context) error {
	n := c.Int("nodes")
	if n < 2 {
		return fmt.Errorf("swim-agent: --nodes must be at least 2")
	}

	network := local.NewNetwork()
	agents := make([]*agent, 0, n)

	for i := 0; i < n; i++ {
		node := swim.NewNode("127.0.0.1", 9000+i)
		ep, err := local.Listen(network, node)
		if err != nil {
			return err
		}

		logger := logrus.WithField("node", node.String())
		cfg := swim.DefaultConfig()
		cfg.ProbeInterval = 300 * time.Millisecond
		cfg.PingTimeout = 100 * time.Millisecond
		metrics := swim.NewMetrics(nil, "swim_agent")

		idx := i
		shell := swim.NewShell(cfg, swim.SystemClock{}, logger, metrics, ep, node, nil,
			swim.WithReachabilityHandler(func(peer swim.Node, r swim.Reachability) {
				logger.WithFields(logrus.Fields{
					"peer":         peer.String(),
					"reachability": r.String(),
				}).Infof("node %d observed reachability change", idx)
			}),
		)
		ep.SetReceiver(shell.Receive)

		agents = append(agents, &agent{node: node, shell: shell, ep: ep, logger: logger})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, a := range agents {
		a.shell.Start(ctx)
	}

	for _, a := range agents[1:] {
		if err := a.shell.Join([]string{fmt.Sprintf("%s:%d", agents[0].node.Host, agents[0].node.Port)}); err != nil {
			a.logger.WithError(err).Warn("join failed")
		}
	}

	killAfter := c.Duration("kill-after")
	killIndex := c.Int("kill-index")
	totalDuration := c.Duration("duration")

	timer := time.NewTimer(killAfter)
	defer timer.Stop()
	select {
	case <-timer.C:
		if killIndex >= 0 && killIndex < len(agents) {
			victim := agents[killIndex]
			victim.logger.Warn("stopping node to demonstrate failure detection")
			victim.shell.Stop()
			victim.ep.Close()
		}
	case <-ctx.Done():
	}

	remaining := totalDuration - killAfter
	if remaining > 0 {
		time.Sleep(remaining)
	}

	fmt.Println("final membership state, as seen from node 0:")
	snapshot := agents[0].shell.GetMembershipState()
	nodes := make([]swim.Node, 0, len(snapshot))
	for node := range snapshot {
		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].String() < nodes[j].String() })
	for _, node := range nodes {
		fmt.Printf("  %s -> %s\n", node.String(), snapshot[node].Kind.String())
	}

	for _, a := range agents {
		a.shell.Stop()
	}
	return nil
}
