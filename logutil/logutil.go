package logutil

import (
	"fmt"
	"os"

	"github.com/mgutz/ansi"
)

// EnableDebug turns on the Debugf lines. It is meant to be set once at
// startup, e.g. with a -debug flag.
var EnableDebug = false

var (
	gray   = ansi.ColorFunc("black+h")
	yellow = ansi.ColorFunc("yellow")
	red    = ansi.ColorFunc("red")
	green  = ansi.ColorFunc("green")
	bold   = ansi.ColorFunc("default+b")
)

func Debugf(format string, a ...interface{}) {
	if !EnableDebug {
		return
	}
	fmt.Fprintf(os.Stderr, gray("debug: ")+format+"\n", a...)
}

func Infof(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, green("info: ")+format+"\n", a...)
}

func Errorf(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, red("error: ")+format+"\n", a...)
}

func Yel(s string) string  { return yellow(s) }
func Red(s string) string  { return red(s) }
func Green(s string) string { return green(s) }
func Bold(s string) string { return bold(s) }
func Gray(s string) string { return gray(s) }
