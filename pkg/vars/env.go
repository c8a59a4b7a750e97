package vars

import "os"

func envLookup(name string) (string, bool) {
	return os.LookupEnv(name)
}
