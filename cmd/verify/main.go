package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"

	"crash-mines-backend/internal/config"
	"crash-mines-backend/internal/models"
	"crash-mines-backend/internal/services"
)

var (
	gameFlag   = flag.String("game", "crash", "Game to verify: crash or mines")
	seedFlag   = flag.String("server-seed", "", "Revealed server seed")
	hashFlag   = flag.String("hash", "", "Server seed hash published before the game")
	publicFlag = flag.String("public-seed", "", "Public seed (round id for crash, client seed for mines)")
	nonceFlag  = flag.Int64("nonce", 0, "Nonce of the round or game")
	minesFlag  = flag.Int("mines", 3, "Number of mines (mines only)")
	edgeFlag   = flag.Float64("house-edge", config.DefaultCrashConfig().HouseEdge, "Crash house edge")
	tableFlag  = flag.Bool("table", false, "Print the mines multiplier table and exit")
)

func main() {
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		fmt.Fprintf(out, "usage: %s -server-seed <seed> [-hash <hash>] -public-seed <seed> -nonce <n> [-game mines -mines <n>]\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintf(out, "\ncrash: %s\nmines: %s\n", services.CrashAlgorithm, services.MinesAlgorithm)
		fmt.Fprintln(out, "The public seed is trimmed; one longer than 64 bytes or with non-printable characters counts as empty.")
	}
	flag.Parse()

	if *tableFlag {
		printMultiplierTable(*minesFlag)
		return
	}

	if *seedFlag == "" {
		flag.Usage()
		os.Exit(1)
	}

	crashCfg := config.DefaultCrashConfig()
	crashCfg.HouseEdge = *edgeFlag

	req := &services.VerifyRequest{
		GameType:         models.GameType(strings.ToLower(*gameFlag)),
		ServerSeed:       *seedFlag,
		CommitmentDigest: *hashFlag,
		PublicSeed:       *publicFlag,
		Nonce:            *nonceFlag,
		MinesCount:       *minesFlag,
	}

	res, err := services.VerifyOutcome(crashCfg, config.DefaultMinesConfig(), req)
	if err != nil {
		pterm.Error.Println(services.ReasonOf(err))
		os.Exit(1)
	}

	rows := pterm.TableData{
		{"Field", "Value"},
		{"Game", string(res.GameType)},
		{"Public seed", models.SanitizePublicSeed(req.PublicSeed)},
		{"Nonce", strconv.FormatInt(req.Nonce, 10)},
		{"SHA-256(server seed)", res.ComputedDigest},
	}
	switch res.GameType {
	case models.GameTypeCrash:
		rows = append(rows, []string{"Crash point", fmt.Sprintf("%.2fx", res.CrashPoint)})
	case models.GameTypeMines:
		rows = append(rows, []string{"Mine positions", fmt.Sprint(res.MinePositions)})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	pterm.Info.Println(res.Algorithm)

	if res.GameType == models.GameTypeMines {
		printBoard(res.MinePositions, config.DefaultMinesConfig().GridSize)
	}

	if res.CommitmentValid == nil {
		pterm.Warning.Println("No hash given, commitment not checked")
		return
	}
	if !*res.CommitmentValid {
		pterm.Error.Println("Server seed does NOT match the published hash")
		os.Exit(2)
	}
	pterm.Success.Println("Server seed matches the published hash")
}

func printBoard(mines []int, grid int) {
	isMine := make(map[int]bool, len(mines))
	for _, m := range mines {
		isMine[m] = true
	}

	side := 5
	var sb strings.Builder
	for i := 0; i < grid; i++ {
		if isMine[i] {
			sb.WriteString(pterm.FgRed.Sprint(" X "))
		} else {
			sb.WriteString(pterm.FgGreen.Sprint(" o "))
		}
		if (i+1)%side == 0 {
			sb.WriteString("\n")
		}
	}
	pterm.DefaultBox.WithTitle("Mines").Println(strings.TrimRight(sb.String(), "\n"))
}

func printMultiplierTable(minesCount int) {
	cfg := config.DefaultMinesConfig()
	if minesCount < cfg.MinMines || minesCount > cfg.MaxMines {
		pterm.Error.Printfln("mines must be between %d and %d", cfg.MinMines, cfg.MaxMines)
		os.Exit(1)
	}

	rows := pterm.TableData{{"Gems", "Multiplier"}}
	for gems := 1; gems <= cfg.GridSize-minesCount; gems++ {
		m := services.MinesMultiplier(minesCount, gems, cfg.GridSize, cfg.RTP, cfg.MaxMultiplier)
		rows = append(rows, []string{strconv.Itoa(gems), fmt.Sprintf("%.2fx", m)})
	}
	pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	pterm.Info.Println(services.MinesAlgorithm)
}
