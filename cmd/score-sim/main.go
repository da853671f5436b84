package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/robtomcowparis/neondefense4-sub001/pkg/leaderboard"
)

var playerPrefixes = []string{
	"Phoenix", "Shadow", "Thunder", "Storm", "Blaze", "Ninja", "Dragon", "Wolf", "Hawk", "Viper",
	"Ghost", "Titan", "Frost", "Cyber", "Nova", "Raven", "Omega", "Alpha", "Delta", "Sigma",
	"Ace", "Bolt", "Crash", "Dash", "Edge", "Flash", "Glitch", "Haze", "Ion", "Jade",
}

func playerName(idx int) string {
	return fmt.Sprintf("%s%d", playerPrefixes[idx%len(playerPrefixes)], idx/len(playerPrefixes)+1)
}

// simulateRun produces a finished game. A share of runs claim far too few
// kills for their wave count so the sanity check has something to reject.
func simulateRun(rng *rand.Rand, players int, cheatPercent int) leaderboard.ScoreData {
	waves := rng.Intn(80) + 1
	kills := waves*(rng.Intn(12)+4) + rng.Intn(20)
	if rng.Intn(100) < cheatPercent {
		waves = rng.Intn(200) + 51
		kills = rng.Intn(waves)
	}
	return leaderboard.ScoreData{
		Name:        playerName(rng.Intn(max(players, 1))),
		Waves:       waves,
		Kills:       kills,
		TowersBuilt: rng.Intn(40) + 1,
		TowersLost:  rng.Intn(5),
		TimeSeconds: waves*25 + rng.Intn(60),
	}
}

func main() {
	server := flag.String("server", "http://localhost:8080", "Score service base URL")
	players := flag.Int("players", 100, "Number of distinct player names")
	perSecond := flag.Int("rate", 2, "Submissions per second")
	cheatPercent := flag.Int("cheat", 10, "Percent of implausible runs")
	duration := flag.Duration("duration", 0, "Duration to run (0 = forever)")
	stateDir := flag.String("state", "", "Directory for local client state (empty = in memory)")
	flag.Parse()
	*players = max(*players, 1)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	var storage leaderboard.Storage = leaderboard.NewMemoryStorage()
	if *stateDir != "" {
		fs, err := leaderboard.NewFileStorage(*stateDir)
		if err != nil {
			logger.Error("failed to open state directory", "error", err)
			os.Exit(1)
		}
		storage = fs
	}

	base := strings.TrimRight(*server, "/")
	feedURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"

	client := leaderboard.New(leaderboard.Config{
		SubmitURL:  base + "/submitScore",
		Subscriber: leaderboard.NewFeedSubscriber(feedURL, logger),
		Storage:    storage,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	initCtx, cancelInit := context.WithTimeout(ctx, 10*time.Second)
	client.Init(initCtx)
	cancelInit()
	defer client.Close()

	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("  Neon Defense score simulator")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("  Server:       %s\n", base)
	fmt.Printf("  Players:      %d\n", *players)
	fmt.Printf("  Runs/sec:     %d\n", *perSecond)
	fmt.Printf("  Implausible:  %d%%\n", *cheatPercent)
	fmt.Printf("  Live feed:    %v\n", !client.LocalOnly())
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	var updates atomic.Int64
	sub := client.OnUpdate(func([]leaderboard.ScoreEntry) { updates.Add(1) })
	defer sub.Unsubscribe()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(time.Second / time.Duration(max(*perSecond, 1)))
	defer ticker.Stop()
	statsTicker := time.NewTicker(5 * time.Second)
	defer statsTicker.Stop()

	var accepted, refused int64
	for {
		select {
		case <-ctx.Done():
			fmt.Printf("\n✓ Completed. Accepted: %d, Refused: %d\n", accepted, refused)
			printTop(client.Entries())
			return

		case <-ticker.C:
			if client.SubmitScore(ctx, simulateRun(rng, *players, *cheatPercent)) {
				accepted++
			} else {
				refused++
			}

		case <-statsTicker.C:
			fmt.Printf("[%s] Accepted: %d | Refused: %d | Board updates: %d | Local only: %v\n",
				time.Now().Format("15:04:05"),
				accepted,
				refused,
				updates.Load(),
				client.LocalOnly(),
			)
			printTop(client.Entries())
		}
	}
}

func printTop(entries []leaderboard.ScoreEntry) {
	for i, e := range entries {
		if i == 5 {
			break
		}
		fmt.Printf("  %2d. %-20s waves %3d  kills %5d\n", i+1, e.Name, e.Waves, e.Kills)
	}
}
