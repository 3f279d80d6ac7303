/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# BlobCatalog: transactional blob metadata of a volume server

## Data Model

* Volume, the namespace of blobs. A volume owns one commit log and one catalog, created and destroyed together.

* Blob, name --> descriptor (version, size, meta) + offset --> chunk map, chunks are content addressed (blake3).

* Transaction, start -> update* -> commit | abort on a single blob. At most one transaction per blob is started at a time.

* Sequence id, per volume, stamped on every applied mutation. Replays of an applied sequence id are no-ops.

## Architecture

* CommitLog, the write ahead log of transaction steps, file or memory backed

* VolumeCatalog, committed blob state in one rocksdb instance per volume

* TimeVolumeCatalog, volume lifecycle (INIT -> READY -> UNAVAILABLE), the transaction pipeline, access leases, repair of partial commits

* ReadCache + Router, descriptor / offset / chunk caches in front of the catalog

* Forward, commits and descriptors pushed to a replica over gRPC

### Storage

a volume has a single rocksdb instance and a single commit log file

## Building Blocks

* gRPC
* Rocksdb
* CBOR
* Prometheus

*/

package blobcatalog
