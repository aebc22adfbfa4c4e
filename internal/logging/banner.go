package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset  = "\033[0m"
	bold   = "\033[1m"
	cyan   = "\033[36m"
	green  = "\033[32m"
	yellow = "\033[33m"
	dim    = "\033[2m"
)

// Base ProbeHub ASCII art.
var logoLines = [6]string{
	`  ____            _          _   _       _     `,
	` |  _ \ _ __ ___ | |__   ___| | | |_   _| |__  `,
	` | |_) | '__/ _ \| '_ \ / _ \ |_| | | | | '_ \ `,
	` |  __/| | | (_) | |_) |  __/  _  | |_| | |_) |`,
	` |_|   |_|  \___/|_.__/ \___|_| |_|\__,_|_.__/ `,
	`                                               `,
}

// Mode-specific ASCII art (right-side, same height as logo).
var serverArt = [6]string{
	`  ____                           `,
	` / ___|  ___ _ ____   _____ _ __ `,
	` \___ \ / _ \ '__\ \ / / _ \ '__|`,
	`  ___) |  __/ |   \ V /  __/ |   `,
	` |____/ \___|_|    \_/ \___|_|   `,
	`                                 `,
}

var agentArt = [6]string{
	`     _                    _   `,
	`    / \   __ _  ___ _ __ | |_ `,
	`   / _ \ / _` + "`" + ` |/ _ \ '_ \| __|`,
	`  / ___ \ (_| |  __/ | | | |_ `,
	` /_/   \_\__, |\___|_| |_|\__|`,
	`         |___/                `,
}

// PrintBanner prints the ProbeHub ASCII art logo with mode-specific art
// appended to the right. Below the art it prints version and the server
// address. Colors are used only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	var modeArt *[6]string
	var modeColor string
	switch mode {
	case "server":
		modeArt = &serverArt
		modeColor = green
	default: // agent
		modeArt = &agentArt
		modeColor = yellow
	}

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s%s%s%s\n",
				bold+cyan, logoLines[i], reset,
				bold+modeColor, modeArt[i], reset)
		} else {
			fmt.Fprintf(os.Stderr, "%s%s\n", logoLines[i], modeArt[i])
		}
	}

	// Info line below the art.
	if color {
		fmt.Fprintf(os.Stderr, "\n  %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  version %s   addr %s\n\n", ver, addr)
	}
}
