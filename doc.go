// Package gantry provides throwaway Docker containers and images for integration
// testing.
//
// A [Container] manages the lifecycle of a single container: it pulls the image if
// needed, starts the container, resolves the address test code should dial (also
// when the test process itself runs inside a container), and guarantees removal
// through [Container.Run] scoped acquisition with a garbage-collection safety net
// as a last resort. Containers are configured through functional [Option] values
// such as [WithName], [WithPort], and [WithEnv].
//
// An [EphemeralImage] builds an image that exists only for the duration of a test
// run, either through the engine API or by shelling out to the external builder
// CLI, and removes it at scope exit.
//
// Every container created through this package is tagged with the [ManagedLabelKey]
// label, which allows bulk operations like [RemoveManaged] to clean up leaked
// containers suite-wide.
//
// Flavor sub-packages (postgres, mysql, clickhouse, kafka, localstack) provide
// opinionated defaults and readiness checks for common services. The probe
// sub-package supplies the polling primitives they build on.
package gantry
