// Package flags holds the cli.Flag categories councild's commands group
// under in --help output.
package flags

import "github.com/urfave/cli/v2"

const (
	CouncilCategory = "COUNCIL"
	GatesCategory   = "INTAKE GATES"
	StorageCategory = "STORAGE"
	LoggingCategory = "LOGGING AND DEBUGGING"
	MiscCategory    = "MISC"
)

func init() {
	cli.HelpFlag.(*cli.BoolFlag).Category = MiscCategory
	cli.VersionFlag.(*cli.BoolFlag).Category = MiscCategory
}
