package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/talusdb/talus"
)

type cmdGet struct {
	Args struct {
		Partition string `positional-arg-name:"partition" required:"true"`
		Key       string `positional-arg-name:"key" required:"true"`
	} `positional-args:"true"`
}

type cmdPut struct {
	Args struct {
		Partition string `positional-arg-name:"partition" required:"true"`
		Key       string `positional-arg-name:"key" required:"true"`
		Value     string `positional-arg-name:"value" required:"true"`
	} `positional-args:"true"`
	Create bool `long:"create" description:"Create the partition if it does not exist"`
}

type cmdDel struct {
	Args struct {
		Partition string `positional-arg-name:"partition" required:"true"`
		Key       string `positional-arg-name:"key" required:"true"`
	} `positional-args:"true"`
}

type cmdScan struct {
	Args struct {
		Partition string `positional-arg-name:"partition" required:"true"`
	} `positional-args:"true"`
	Prefix string `long:"prefix" short:"p" description:"Only keys with this prefix"`
	Limit  int    `long:"limit" short:"n" default:"0" description:"Stop after this many keys (0 for all)"`
	Keys   bool   `long:"keys-only" short:"k" description:"Print keys without values"`
}

func init() {
	mustAddCmd("get", "Read a key", "Print the value of a key in a partition.", &cmdGet{})
	mustAddCmd("put", "Write a key", "Set a key in a partition to a value.", &cmdPut{})
	mustAddCmd("del", "Delete a key", "Delete a key from a partition.", &cmdDel{})
	mustAddCmd("scan", "List keys", "Scan a partition's keys in order, optionally bounded by a prefix.", &cmdScan{})
}

func (cmd *cmdGet) Execute([]string) error {
	var ks, err = openKeyspace(true)
	if err != nil {
		return err
	}
	defer ks.Close()

	p, err := ks.OpenPartition(cmd.Args.Partition)
	if err != nil {
		return err
	}
	v, err := p.Get([]byte(cmd.Args.Key))
	if err != nil {
		return err
	}
	fmt.Println(string(v))
	return nil
}

func (cmd *cmdPut) Execute([]string) error {
	var ks, err = openKeyspace(false)
	if err != nil {
		return err
	}
	defer ks.Close()

	var p *talus.Partition
	if cmd.Create {
		p, err = ks.EnsurePartition(cmd.Args.Partition, nil)
	} else {
		p, err = ks.OpenPartition(cmd.Args.Partition)
	}
	if err != nil {
		return err
	}
	var seq uint64
	if seq, err = p.Put([]byte(cmd.Args.Key), []byte(cmd.Args.Value)); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "OK (seq %d)\n", seq)
	return nil
}

func (cmd *cmdDel) Execute([]string) error {
	var ks, err = openKeyspace(false)
	if err != nil {
		return err
	}
	defer ks.Close()

	p, err := ks.OpenPartition(cmd.Args.Partition)
	if err != nil {
		return err
	}
	if _, err = p.Delete([]byte(cmd.Args.Key)); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "OK")
	return nil
}

func (cmd *cmdScan) Execute([]string) error {
	var ks, err = openKeyspace(true)
	if err != nil {
		return err
	}
	defer ks.Close()

	p, err := ks.OpenPartition(cmd.Args.Partition)
	if err != nil {
		return err
	}

	var it *talus.Iter
	if cmd.Prefix != "" {
		it, err = p.IterPrefix([]byte(cmd.Prefix))
	} else {
		it, err = p.Iter(nil, nil)
	}
	if err != nil {
		return err
	}
	defer it.Close()

	var n int
	for it.Next() {
		if cmd.Keys {
			fmt.Printf("%s\n", it.Key())
		} else {
			fmt.Printf("%s\t%s\n", it.Key(), it.Value())
		}
		if n++; cmd.Limit > 0 && n >= cmd.Limit {
			break
		}
	}
	if n == 0 {
		return errors.New("no keys matched")
	}
	return nil
}
