// awsagent discovers AWS resources of one account and region and keeps the
// entity registry in sync with them.
package main

func main() {
	Execute()
}
