// Command emberkv is the engine's maintenance tool: pack and unpack
// records by hand, create and inspect tables, and read statistics.
package main

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/alecthomas/kong"

	"github.com/myuser/emberkv"
	"github.com/myuser/emberkv/pack"
)

var CLI struct {
	Pack    PackCmd    `cmd:"" help:"Pack typed values into hex bytes"`
	Unpack  UnpackCmd  `cmd:"" help:"Unpack hex bytes into typed values"`
	Size    SizeCmd    `cmd:"" help:"Print the packed size of a format"`
	Create  CreateCmd  `cmd:"" help:"Create a table"`
	Dump    DumpCmd    `cmd:"" help:"Print every record of a table"`
	Stat    StatCmd    `cmd:"" help:"Print engine or table statistics"`
	Version VersionCmd `cmd:"" help:"Print version information"`
}

// parseValue converts one command-line argument per its format field type.
func parseValue(typ byte, s string) (pack.Value, error) {
	switch typ {
	case 'b', 'h', 'i', 'l', 'q', 'r':
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return pack.Value{}, fmt.Errorf("integer %q: %w", s, err)
		}
		return pack.Int(n), nil
	case 'B', 'H', 'I', 'L', 'Q':
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return pack.Value{}, fmt.Errorf("unsigned %q: %w", s, err)
		}
		return pack.Uint(n), nil
	case 'f', 'd':
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return pack.Value{}, fmt.Errorf("float %q: %w", s, err)
		}
		return pack.Float(f), nil
	case '?':
		b, err := strconv.ParseBool(s)
		if err != nil {
			return pack.Value{}, fmt.Errorf("bool %q: %w", s, err)
		}
		return pack.Bool(b), nil
	case 'c':
		if len(s) != 1 {
			return pack.Value{}, fmt.Errorf("char %q: want one byte", s)
		}
		return pack.Bytes([]byte(s)), nil
	case 's', 'S':
		return pack.String(s), nil
	case 'u':
		raw, err := hex.DecodeString(s)
		if err != nil {
			return pack.Value{}, fmt.Errorf("hex bytes %q: %w", s, err)
		}
		return pack.Bytes(raw), nil
	}
	return pack.Value{}, fmt.Errorf("unknown field type %q", typ)
}

func parseValues(f *pack.Format, args []string) ([]pack.Value, error) {
	types := f.ValueTypes()
	if len(args) != len(types) {
		return nil, fmt.Errorf("format %q wants %d values, got %d", f, len(types), len(args))
	}
	vals := make([]pack.Value, len(args))
	for i, a := range args {
		v, err := parseValue(types[i], a)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return vals, nil
}

type PackCmd struct {
	Format string   `arg:"" help:"Record format string"`
	Values []string `arg:"" optional:"" help:"One argument per format value"`
}

func (c *PackCmd) Run() error {
	f, err := pack.Parse(c.Format)
	if err != nil {
		return err
	}
	vals, err := parseValues(f, c.Values)
	if err != nil {
		return err
	}
	data, err := f.Pack(vals)
	if err != nil {
		return err
	}
	fmt.Println(hex.EncodeToString(data))
	return nil
}

type UnpackCmd struct {
	Format string `arg:"" help:"Record format string"`
	Hex    string `arg:"" help:"Hex-encoded record bytes"`
}

func (c *UnpackCmd) Run() error {
	data, err := hex.DecodeString(c.Hex)
	if err != nil {
		return err
	}
	vals, err := pack.Unpack(c.Format, data)
	if err != nil {
		return err
	}
	for _, v := range vals {
		fmt.Println(v)
	}
	return nil
}

type SizeCmd struct {
	Format string `arg:"" help:"Record format string"`
}

func (c *SizeCmd) Run() error {
	n, err := pack.Size(c.Format)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

type CreateCmd struct {
	Home   string `required:"" help:"Database home directory" type:"path"`
	Name   string `arg:"" help:"Table name"`
	Config string `default:"key_format=u,value_format=u" help:"Table configuration"`
}

func (c *CreateCmd) Run() error {
	conn, err := emberkv.Open(c.Home, "create")
	if err != nil {
		return err
	}
	defer conn.Close("")
	sess, err := conn.OpenSession("")
	if err != nil {
		return err
	}
	return sess.CreateTable(c.Name, c.Config)
}

type DumpCmd struct {
	Home string `required:"" help:"Database home directory" type:"path"`
	Name string `arg:"" help:"Table name"`
}

func (c *DumpCmd) Run() error {
	conn, err := emberkv.Open(c.Home, "")
	if err != nil {
		return err
	}
	defer conn.Close("")
	sess, err := conn.OpenSession("")
	if err != nil {
		return err
	}
	cur, err := sess.OpenCursor("table:"+c.Name, nil, "")
	if err != nil {
		return err
	}
	for cur.Next() == nil {
		key, err := cur.GetKey()
		if err != nil {
			return err
		}
		val, err := cur.GetValue()
		if err != nil {
			return err
		}
		fmt.Printf("%v\t%v\n", key, val)
	}
	return nil
}

type StatCmd struct {
	Home   string `required:"" help:"Database home directory" type:"path"`
	Table  string `help:"Table to inspect instead of the engine" xor:"target"`
	Prefix string `help:"Only engine counters with this name prefix" xor:"target"`
}

func (c *StatCmd) Run() error {
	conn, err := emberkv.Open(c.Home, "")
	if err != nil {
		return err
	}
	defer conn.Close("")
	sess, err := conn.OpenSession("")
	if err != nil {
		return err
	}
	uri := "statistics:"
	switch {
	case c.Table != "":
		uri += "table:" + c.Table
	case c.Prefix != "":
		uri += "prefix:" + c.Prefix
	}
	cur, err := sess.OpenCursor(uri, nil, "")
	if err != nil {
		return err
	}
	for cur.Next() == nil {
		key, err := cur.GetKey()
		if err != nil {
			return err
		}
		val, err := cur.GetValue()
		if err != nil {
			return err
		}
		fmt.Printf("%s\t%d\n", key[0].Str, val[0].Int)
	}
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	_, _, _, s := emberkv.Version()
	fmt.Println(s)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("emberkv"),
		kong.Description("emberkv embedded key/value engine tool"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
