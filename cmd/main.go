package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/ergochat/readline"

	"github.com/robodata/epishard"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("open"),
	readline.PcItem("info"),
	readline.PcItem("shards"),
	readline.PcItem("resolve"),
	readline.PcItem("locate"),
	readline.PcItem("align"),
	readline.PcItem("shuffle"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

const usage = `commands:
  open <dir>                  load a dataset
  info                        dataset summary
  shards <store>              list shard ranges (data, meta, videos/<key>)
  resolve <ep> <t> [d1,d2..]  seek times for an episode-relative instant
  locate <gidx>               episode and relative time of a global index
  align <out> <key>           realign data/meta shards to a video key
  shuffle <out> <seed>        reorder episodes deterministically
  exit`

func openDataset(ctx context.Context, dir string) (*epishard.Dataset, error) {
	return epishard.LoadDataset(ctx, dir, epishard.Options{
		Tables:   epishard.JSONTableStore{},
		Episodes: epishard.JSONEpisodeStore{},
		// No codec services wired here; shuffle needs them supplied
		// by a real deployment.
	})
}

func showInfo(ds *epishard.Dataset) {
	inf := ds.Info
	fmt.Printf("version\t%s\nfps\t%g\nepisodes\t%d\nframes\t%d\ntasks\t%d\nkeys\t%s\n",
		inf.Version, inf.FPS, inf.TotalEpisodes, inf.TotalFrames, inf.TotalTasks,
		strings.Join(inf.VideoKeys, ", "))
}

func showShards(ds *epishard.Dataset, store epishard.Store) error {
	m, err := ds.Manifest(store)
	if err != nil {
		return err
	}
	for e := range m.Shards() {
		fmt.Printf("%s\t[%d,%d)\t%d rows\n", e.Coord, e.From, e.To, e.Rows)
	}
	return nil
}

func parseDeltas(arg string) ([]int, error) {
	if arg == "" {
		return nil, nil
	}
	parts := strings.Split(arg, ",")
	deltas := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	return deltas, nil
}

func main() {
	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     "/tmp/epishard.history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	ctx := context.Background()
	var (
		ds  *epishard.Dataset
		res *epishard.Resolver
	)
	if len(os.Args) > 1 {
		ds, err = openDataset(ctx, os.Args[1])
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(-1)
		}
		res = epishard.NewResolver(ds)
	}

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		err = nil
		switch cmd {
		case "", "help":
			fmt.Println(usage)
		case "exit", "quit":
			os.Exit(0)
		case "open":
			if len(args) < 1 {
				err = fmt.Errorf("usage: open <dir>")
				break
			}
			ds, err = openDataset(ctx, args[0])
			if err == nil {
				res = epishard.NewResolver(ds)
				showInfo(ds)
			}
		case "info":
			if ds == nil {
				err = fmt.Errorf("no dataset open")
				break
			}
			showInfo(ds)
		case "shards":
			if ds == nil || len(args) < 1 {
				err = fmt.Errorf("usage: shards <store>")
				break
			}
			err = showShards(ds, epishard.Store(args[0]))
		case "resolve":
			if ds == nil || len(args) < 2 {
				err = fmt.Errorf("usage: resolve <ep> <t> [d1,d2..]")
				break
			}
			var ep int
			var t float64
			var deltas []int
			if ep, err = strconv.Atoi(args[0]); err != nil {
				break
			}
			if t, err = strconv.ParseFloat(args[1], 64); err != nil {
				break
			}
			if len(args) > 2 {
				if deltas, err = parseDeltas(args[2]); err != nil {
					break
				}
			}
			var seeks map[string][]epishard.AbsTime
			seeks, err = res.Resolve(ep, epishard.RelTime(t), deltas, ds.Info.VideoKeys)
			for key, at := range seeks {
				fmt.Printf("%s\t%v\n", key, at)
			}
		case "locate":
			if ds == nil || len(args) < 1 {
				err = fmt.Errorf("usage: locate <gidx>")
				break
			}
			var g uint64
			if g, err = strconv.ParseUint(args[0], 10, 64); err != nil {
				break
			}
			var ep epishard.Episode
			var rel epishard.RelTime
			ep, rel, err = res.Locate(epishard.GlobalIndex(g))
			if err == nil {
				fmt.Printf("episode %d\tframe %d\tt=%.3f\n",
					ep.Index, g-uint64(ep.FromIndex), float64(rel))
			}
		case "align":
			if ds == nil || len(args) < 2 {
				err = fmt.Errorf("usage: align <out> <key>")
				break
			}
			var out *epishard.Dataset
			out, err = epishard.Align(ctx, ds, epishard.AlignOptions{
				OutputDir:    args[0],
				ReferenceKey: args[1],
				CopyVideos:   true,
			})
			if err == nil {
				fmt.Printf("published %s version %s\n", out.Root, out.Info.Version)
			}
		case "shuffle":
			if ds == nil || len(args) < 2 {
				err = fmt.Errorf("usage: shuffle <out> <seed>")
				break
			}
			var seed int64
			if seed, err = strconv.ParseInt(args[1], 10, 64); err != nil {
				break
			}
			var out *epishard.Dataset
			out, err = epishard.Shuffle(ctx, ds, epishard.ShuffleOptions{
				OutputDir: args[0],
				Seed:      seed,
			})
			if err == nil {
				fmt.Printf("published %s version %s\n", out.Root, out.Info.Version)
			}
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
}
