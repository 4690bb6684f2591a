/*
Package gc removes local environment images that no live RuntimeEnv
references anymore.

An image's name embeds both the env id and a hash of its Dockerfile
(envmanager.ImageName), so a suite deletion or a Dockerfile edit leaves
the old image orphaned on disk with no code path that will ever clean
it up on its own. gc computes the desired set directly from the store
(one image name per live env) and removes every local
"surveyor-env-*" image outside that set.
*/
package gc
