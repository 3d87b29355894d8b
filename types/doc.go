// Package types provides unified type definitions for the TaskMesh
// orchestration engine: structured errors, the event envelope wire shape,
// and governed memory records with their store contract.
package types
