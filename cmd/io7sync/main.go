// io7sync keeps the io7 identity store and the broker's dynamic-security plugin in sync
package main

import (
	"os"
)

func main() {
	os.Exit(Execute())
}
