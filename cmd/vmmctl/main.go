// vmmctl boots the simulated machine, drives the virtual-memory manager
// through representative workloads and inspects the result. It exists so
// the paging code can be poked at from a shell instead of only from tests.
package main

func main() {
	Execute()
}
