package main

import (
	"fmt"

	"github.com/sre-norns/skuld/pkg/probe"

	_ "github.com/sre-norns/skuld/pkg/probers/http"
	_ "github.com/sre-norns/skuld/pkg/probers/tcp"
)

type KindsCmd struct{}

func (c *KindsCmd) Run(cfg *commandContext) error {
	for _, kind := range probe.Kinds() {
		fmt.Println(kind)
	}

	return nil
}
